package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// CaptureEvents are emitted by Capture. Nil handlers are skipped.
type CaptureEvents struct {
	OnListening func()
	OnUtterance func(text string)
	OnError     func(err error)
	// OnFatal reports that recognition could not be restarted. The capture
	// is no longer active afterwards.
	OnFatal func(err error)
}

// Capture keeps a Recognizer listening for as long as it is active.
//
// A recognition error other than ErrNoSpeech schedules one restart after the
// restart delay; a natural end restarts immediately. Results that arrive
// after Stop or from a superseded run are dropped. A failed restart ends the
// capture and is reported through OnFatal.
type Capture struct {
	rec          Recognizer
	restartDelay time.Duration
	events       CaptureEvents

	mu             sync.Mutex
	ctx            context.Context
	active         bool
	gen            uint64
	restartPending bool
	restartTimer   *time.Timer
}

// NewCapture wraps rec. A nil recognizer means the capability is missing.
func NewCapture(rec Recognizer, restartDelay time.Duration, events CaptureEvents) (*Capture, error) {
	if rec == nil {
		return nil, ErrUnsupported
	}
	return &Capture{rec: rec, restartDelay: restartDelay, events: events}, nil
}

// Start begins continuous listening. Calling Start on an active capture is a no-op.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.ctx = ctx
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if err := c.rec.Start(ctx, c.handlers(gen)); err != nil {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
		return fmt.Errorf("start recognition: %w", err)
	}
	return nil
}

// Stop ends listening and cancels any scheduled restart.
func (c *Capture) Stop() error {
	c.mu.Lock()
	c.active = false
	c.gen++
	c.restartPending = false
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	c.mu.Unlock()
	return c.rec.Stop()
}

// Active reports whether the capture is listening or about to restart.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Capture) handlers(gen uint64) RecognitionHandlers {
	return RecognitionHandlers{
		OnStart:  func() { c.handleStart(gen) },
		OnResult: func(text string) { c.handleResult(gen, text) },
		OnError:  func(err error) { c.handleError(gen, err) },
		OnEnd:    func() { c.handleEnd(gen) },
	}
}

func (c *Capture) handleStart(gen uint64) {
	c.mu.Lock()
	current := c.active && gen == c.gen
	c.mu.Unlock()
	if current && c.events.OnListening != nil {
		c.events.OnListening()
	}
}

func (c *Capture) handleResult(gen uint64, transcript string) {
	c.mu.Lock()
	current := c.active && gen == c.gen
	c.mu.Unlock()
	text := strings.TrimSpace(transcript)
	if !current || text == "" {
		return
	}
	if c.events.OnUtterance != nil {
		c.events.OnUtterance(text)
	}
}

func (c *Capture) handleError(gen uint64, err error) {
	c.mu.Lock()
	if !c.active || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if !errors.Is(err, ErrNoSpeech) && !c.restartPending {
		c.restartPending = true
		c.restartTimer = time.AfterFunc(c.restartDelay, func() { c.restartAfterError(gen) })
	}
	c.mu.Unlock()

	log.Printf("speech recognition error: %v", err)
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
}

func (c *Capture) handleEnd(gen uint64) {
	c.mu.Lock()
	// the delayed restart owns recovery after an error
	relaunch := c.active && gen == c.gen && !c.restartPending
	c.mu.Unlock()
	if relaunch {
		go c.relaunch(gen, false)
	}
}

func (c *Capture) restartAfterError(gen uint64) {
	c.mu.Lock()
	if !c.restartPending || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.restartPending = false
	c.restartTimer = nil
	c.mu.Unlock()
	c.relaunch(gen, true)
}

func (c *Capture) relaunch(prev uint64, stopFirst bool) {
	c.mu.Lock()
	if !c.active || prev != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	ctx := c.ctx
	c.mu.Unlock()

	if stopFirst {
		// the failed run may not have ended on its own
		_ = c.rec.Stop()
	}
	err := c.rec.Start(ctx, c.handlers(gen))
	if err == nil {
		return
	}
	c.mu.Lock()
	current := c.active && gen == c.gen
	if current {
		c.active = false
	}
	c.mu.Unlock()
	if !current {
		return
	}
	log.Printf("speech recognition restart failed: %v", err)
	err = fmt.Errorf("restart recognition: %w", err)
	switch {
	case c.events.OnFatal != nil:
		c.events.OnFatal(err)
	case c.events.OnError != nil:
		c.events.OnError(err)
	}
}
