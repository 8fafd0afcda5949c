package speech

import (
	"context"
	"log"
	"strings"
	"sync"
)

// PlaybackPolicy decides what happens to a reply that arrives mid-utterance.
type PlaybackPolicy int

const (
	// ReplacePending keeps one pending reply; a newer reply overwrites it.
	ReplacePending PlaybackPolicy = iota
	// DropWhenBusy discards replies while an utterance is playing.
	DropWhenBusy
)

// ParsePlaybackPolicy maps "drop" to DropWhenBusy and anything else to ReplacePending.
func ParsePlaybackPolicy(s string) PlaybackPolicy {
	if strings.EqualFold(strings.TrimSpace(s), "drop") {
		return DropWhenBusy
	}
	return ReplacePending
}

// PlayerEvents are invoked while the player's lock is held; they must not call back into the Player.
type PlayerEvents struct {
	// OnSpeaking fires when an utterance begins.
	OnSpeaking func(text string)
	// OnIdle fires when the last queued utterance has completed.
	OnIdle func()
}

// Player speaks one utterance at a time.
type Player struct {
	synth  Synthesizer
	policy PlaybackPolicy
	events PlayerEvents
	base   context.Context

	mu         sync.Mutex
	speaking   bool
	closed     bool
	pending    string
	hasPending bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewPlayer constructs a Player whose utterances are bounded by ctx.
func NewPlayer(ctx context.Context, synth Synthesizer, policy PlaybackPolicy, events PlayerEvents) *Player {
	return &Player{synth: synth, policy: policy, events: events, base: ctx}
}

// Speak plays text, or handles it per policy when an utterance is in progress.
// The active utterance is never interrupted. It reports whether text was
// started or queued.
func (p *Player) Speak(text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if p.speaking {
		if p.policy == DropWhenBusy {
			log.Printf("speech playback busy, dropping reply")
			return false
		}
		p.pending, p.hasPending = text, true
		return true
	}

	ctx, cancel := context.WithCancel(p.base)
	p.speaking = true
	p.cancel = cancel
	p.done = make(chan struct{})
	if p.events.OnSpeaking != nil {
		p.events.OnSpeaking(text)
	}
	go p.run(ctx, cancel, text, p.done)
	return true
}

// Speaking reports whether an utterance is in progress.
func (p *Player) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

// Stop cancels the active utterance, drops any pending one and rejects
// further replies. It waits for the utterance to unwind or ctx to end.
func (p *Player) Stop(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.hasPending = false
	p.pending = ""
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (p *Player) run(ctx context.Context, cancel context.CancelFunc, text string, done chan struct{}) {
	defer close(done)
	defer cancel()
	for {
		if err := p.synth.Speak(ctx, text); err != nil && ctx.Err() == nil {
			log.Printf("speech playback error: %v", err)
		}

		p.mu.Lock()
		if ctx.Err() != nil {
			p.speaking = false
			p.cancel = nil
			p.mu.Unlock()
			return
		}
		if p.hasPending {
			text = p.pending
			p.pending, p.hasPending = "", false
			if p.events.OnSpeaking != nil {
				p.events.OnSpeaking(text)
			}
			p.mu.Unlock()
			continue
		}
		p.speaking = false
		p.cancel = nil
		if p.events.OnIdle != nil {
			p.events.OnIdle()
		}
		p.mu.Unlock()
		return
	}
}
