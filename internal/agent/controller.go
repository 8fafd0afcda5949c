package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/telecaller/internal/archive"
	"github.com/chadiek/telecaller/internal/assistant"
	"github.com/chadiek/telecaller/internal/callsession"
	"github.com/chadiek/telecaller/internal/chat"
	"github.com/chadiek/telecaller/internal/speech"
)

var (
	ErrCallActive   = errors.New("agent: a call is already active")
	ErrNoActiveCall = errors.New("agent: no active call")
	ErrChatClosed   = errors.New("agent: chat widget is closed")
	ErrClosed       = errors.New("agent: controller closed")
)

// Media is the set of per-call capabilities. A nil Recognizer means speech
// recognition is unavailable and no call can start.
type Media struct {
	Engine      callsession.Engine
	Recognizer  speech.Recognizer
	Synthesizer func(out callsession.LocalStream) speech.Synthesizer
}

// MediaFactory builds fresh media for each call.
type MediaFactory func() (Media, error)

// Assistant answers utterances on a backend channel.
type Assistant interface {
	Send(ctx context.Context, ch assistant.Channel, message string) (string, error)
}

// Archiver stores finished calls.
type Archiver interface {
	Archive(ctx context.Context, r archive.Record) error
}

// EventSink receives every status change. It is called with the controller
// lock held and must not block or call back into the controller.
type EventSink interface {
	StatusChanged(s Snapshot)
}

// Snapshot is what the call page displays.
type Snapshot struct {
	CallID         string `json:"callId,omitempty"`
	Phase          string `json:"phase"`
	Status         string `json:"status"`
	RecognizedText string `json:"recognizedText"`
	ResponseText   string `json:"responseText"`
	CallActive     bool   `json:"callActive"`
	ChatOpen       bool   `json:"chatOpen"`
}

type Config struct {
	Room           callsession.Config
	RestartDelay   time.Duration
	Policy         speech.PlaybackPolicy
	ReplyTimeout   time.Duration
	ArchiveTimeout time.Duration
}

type Deps struct {
	Media     MediaFactory
	Assistant Assistant
	// NewPopup opens a fresh chat widget conversation.
	NewPopup func() *chat.Conversation
	Archiver Archiver
	Sink     EventSink
}

// activeCall is the single live session; callbacks compare against c.call to
// drop events from a call that has already gone.
type activeCall struct {
	id      string
	room    *callsession.Manager
	capture *speech.Capture
	player  *speech.Player
	ctx     context.Context
	cancel  context.CancelFunc
	ready   chan struct{}
	// ending is set once End or a failure owns the teardown
	ending    bool
	startedAt time.Time
	turns     []archive.Turn
	// fallback reply currently being spoken and the notice shown with it
	fallback       string
	fallbackNotice string
	answers        sync.WaitGroup
}

// Controller drives the call page: one call at a time, status through the
// state machine, and the chat widget overlay.
type Controller struct {
	cfg  Config
	deps Deps

	mu         sync.Mutex
	state      State
	call       *activeCall
	recognized string
	response   string
	chatOpen   bool
	popup      *chat.Conversation
	closed     bool
	background sync.WaitGroup
}

func NewController(cfg Config, deps Deps) *Controller {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 30 * time.Second
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 30 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	return &Controller{cfg: cfg, deps: deps}
}

// Start opens a call: join the room, publish local audio, start listening.
// Recognition is checked first; without it the call never starts and the
// phase stays where it was. ctx only gates the start; the call outlives it
// and ends through End or a failure.
func (c *Controller) Start(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return c.Snapshot(), err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if c.call != nil {
		s := c.snapshotLocked()
		c.mu.Unlock()
		return s, ErrCallActive
	}
	media, err := c.deps.Media()
	if err != nil {
		c.mu.Unlock()
		return Snapshot{}, fmt.Errorf("prepare call media: %w", err)
	}

	call := &activeCall{
		id:        uuid.NewString(),
		room:      callsession.NewManager(media.Engine, c.cfg.Room),
		ready:     make(chan struct{}),
		startedAt: time.Now(),
	}
	call.ctx, call.cancel = context.WithCancel(context.Background())
	capture, err := speech.NewCapture(media.Recognizer, c.cfg.RestartDelay, speech.CaptureEvents{
		OnListening: func() { c.onListening(call) },
		OnUtterance: func(text string) { c.onUtterance(call, text) },
		OnError:     func(err error) { c.onRecognitionError(call, err) },
		OnFatal:     func(err error) { c.abort(call, err) },
	})
	if err != nil {
		call.cancel()
		c.mu.Unlock()
		return Snapshot{}, err
	}
	c.call = call
	c.recognized, c.response = "", ""
	if !c.apply(Event{Kind: EventStart}) {
		c.call = nil
		call.cancel()
		c.mu.Unlock()
		return Snapshot{}, ErrCallActive
	}
	c.mu.Unlock()

	log.Printf("[%s] starting call in room %s", call.id, c.cfg.Room.RoomID)
	err = c.launch(call, media, capture)
	close(call.ready)
	if err != nil {
		return c.Snapshot(), err
	}
	return c.Snapshot(), nil
}

func (c *Controller) launch(call *activeCall, media Media, capture *speech.Capture) error {
	call.room.Watch(func(err error) {
		c.abort(call, fmt.Errorf("room connection lost: %w", err))
	})
	stream, err := call.room.Open(call.ctx)
	if err != nil {
		return c.fail(call, fmt.Errorf("open room: %w", err))
	}

	var synth speech.Synthesizer
	if media.Synthesizer != nil {
		synth = media.Synthesizer(stream)
	}
	if synth == nil {
		synth = silentSynthesizer{}
	}
	player := speech.NewPlayer(call.ctx, synth, c.cfg.Policy, speech.PlayerEvents{
		OnSpeaking: func(text string) { c.onSpeaking(call, text) },
		OnIdle:     func() { c.onIdle(call) },
	})

	c.mu.Lock()
	call.capture = capture
	call.player = player
	c.mu.Unlock()

	if err := capture.Start(call.ctx); err != nil {
		return c.fail(call, err)
	}

	c.mu.Lock()
	if c.call == call && !call.ending {
		c.apply(Event{Kind: EventStarted})
	}
	c.mu.Unlock()
	log.Printf("[%s] call active", call.id)
	return nil
}

// fail tears the call down and moves to Error, unless End already owns the teardown.
func (c *Controller) fail(call *activeCall, cause error) error {
	c.mu.Lock()
	if c.call != call || call.ending {
		c.mu.Unlock()
		return fmt.Errorf("%w: call ended while starting", context.Canceled)
	}
	call.ending = true
	capture, player := call.capture, call.player
	c.mu.Unlock()

	log.Printf("[%s] call failed: %v", call.id, cause)
	if capture != nil {
		_ = capture.Stop()
	}
	call.cancel()
	if player != nil {
		player.Stop(context.Background())
	}
	call.answers.Wait()
	if err := call.room.Teardown(context.Background()); err != nil {
		log.Printf("[%s] cleanup after failure: %v", call.id, err)
	}

	c.mu.Lock()
	if c.call == call {
		c.apply(Event{Kind: EventFail, Text: cause.Error()})
		c.call = nil
		c.archiveLocked(call)
	}
	c.mu.Unlock()
	return cause
}

// abort fails a live call from an event outside any request, once Start is done with it.
func (c *Controller) abort(call *activeCall, cause error) {
	c.mu.Lock()
	if c.call != call || call.ending {
		c.mu.Unlock()
		return
	}
	c.background.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.background.Done()
		<-call.ready
		_ = c.fail(call, cause)
	}()
}

// End tears the active call down: stop recognition, cancel in-flight replies
// and playback, unpublish, leave, destroy. Teardown is best effort; local
// state is always cleared and the first teardown error is returned.
func (c *Controller) End(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	call := c.call
	if call == nil || call.ending {
		s := c.snapshotLocked()
		c.mu.Unlock()
		return s, ErrNoActiveCall
	}
	call.ending = true
	c.apply(Event{Kind: EventEnd})
	c.mu.Unlock()

	log.Printf("[%s] ending call", call.id)
	// stop recognition before anything else so no new utterance is sent
	c.mu.Lock()
	capture := call.capture
	c.mu.Unlock()
	if capture != nil {
		if err := capture.Stop(); err != nil {
			log.Printf("[%s] stop recognition: %v", call.id, err)
		}
	}
	call.cancel()
	<-call.ready

	c.mu.Lock()
	capture, player := call.capture, call.player
	c.mu.Unlock()
	if capture != nil {
		_ = capture.Stop()
	}
	if player != nil {
		player.Stop(ctx)
	}
	call.answers.Wait()

	teardownErr := call.room.Teardown(context.WithoutCancel(ctx))
	notice := ""
	if teardownErr != nil {
		log.Printf("[%s] teardown: %v", call.id, teardownErr)
		notice = "Error ending call: " + teardownErr.Error()
	}

	c.mu.Lock()
	c.recognized, c.response = "", ""
	c.apply(Event{Kind: EventEnded, Text: notice})
	c.call = nil
	c.archiveLocked(call)
	s := c.snapshotLocked()
	c.mu.Unlock()
	log.Printf("[%s] call ended", call.id)
	return s, teardownErr
}

// Snapshot returns the current call page state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// ToggleChat shows or hides the chat widget. Each opening starts a fresh conversation.
func (c *Controller) ToggleChat() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatOpen = !c.chatOpen
	if c.chatOpen && c.deps.NewPopup != nil {
		c.popup = c.deps.NewPopup()
	} else {
		c.popup = nil
	}
	c.publishLocked()
	return c.snapshotLocked()
}

// PopupSubmit sends text through the open chat widget.
func (c *Controller) PopupSubmit(ctx context.Context, text string) (chat.Message, error) {
	popup, err := c.openPopup()
	if err != nil {
		return chat.Message{}, err
	}
	return popup.Submit(ctx, text)
}

// PopupMessages returns the open chat widget's history.
func (c *Controller) PopupMessages() ([]chat.Message, error) {
	popup, err := c.openPopup()
	if err != nil {
		return nil, err
	}
	return popup.Messages(), nil
}

func (c *Controller) openPopup() (*chat.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.chatOpen || c.popup == nil {
		return nil, ErrChatClosed
	}
	return c.popup, nil
}

// Close ends any active call, refuses new ones and waits for pending archive uploads.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	active := c.call != nil
	c.mu.Unlock()

	var err error
	if active {
		if _, endErr := c.End(ctx); endErr != nil && !errors.Is(endErr, ErrNoActiveCall) {
			err = endErr
		}
	}

	done := make(chan struct{})
	go func() {
		c.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (c *Controller) onListening(call *activeCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call != call || call.ending {
		return
	}
	c.apply(Event{Kind: EventStarted})
}

func (c *Controller) onRecognitionError(call *activeCall, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call != call || call.ending {
		return
	}
	c.apply(Event{Kind: EventNotice, Text: "Error: " + err.Error()})
}

func (c *Controller) onUtterance(call *activeCall, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call != call || call.ending {
		return
	}
	if !c.apply(Event{Kind: EventUtterance, Text: text}) {
		return
	}
	log.Printf("[%s] heard: %q", call.id, text)
	c.recognized = text
	call.turns = append(call.turns, archive.Turn{Role: archive.RoleCaller, Text: text, At: time.Now()})
	c.publishLocked()
	call.answers.Add(1)
	go c.answer(call, text)
}

// answer asks the assistant and hands the reply to the player. A failed
// exchange is answered with the channel fallback while its error stays on the status line.
func (c *Controller) answer(call *activeCall, text string) {
	defer call.answers.Done()
	ctx, cancel := context.WithTimeout(call.ctx, c.cfg.ReplyTimeout)
	defer cancel()
	reply, err := c.deps.Assistant.Send(ctx, assistant.ChannelSpeech, text)
	if call.ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	if c.call != call || call.ending {
		c.mu.Unlock()
		return
	}
	if err != nil {
		log.Printf("[%s] assistant: %v", call.id, err)
		reply = assistant.Fallback(assistant.ChannelSpeech, err)
		call.fallback, call.fallbackNotice = reply, "Error: "+err.Error()
		c.apply(Event{Kind: EventNotice, Text: call.fallbackNotice})
	} else {
		c.response = reply
		c.publishLocked()
	}
	call.turns = append(call.turns, archive.Turn{Role: archive.RoleAssistant, Text: reply, At: time.Now()})
	player := call.player
	c.mu.Unlock()

	if player != nil {
		player.Speak(reply)
	}
}

// onSpeaking runs under the player's lock.
func (c *Controller) onSpeaking(call *activeCall, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call != call || call.ending {
		return
	}
	c.apply(Event{Kind: EventReply})
	if call.fallbackNotice != "" && text == call.fallback {
		c.apply(Event{Kind: EventNotice, Text: call.fallbackNotice})
	}
	call.fallback, call.fallbackNotice = "", ""
}

// onIdle runs under the player's lock.
func (c *Controller) onIdle(call *activeCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call != call || call.ending {
		return
	}
	c.apply(Event{Kind: EventPlaybackDone})
}

func (c *Controller) apply(e Event) bool {
	next, err := Transition(c.state, e)
	if err != nil {
		log.Printf("call state: %v", err)
		return false
	}
	c.state = next
	c.publishLocked()
	return true
}

func (c *Controller) publishLocked() {
	if c.deps.Sink != nil {
		c.deps.Sink.StatusChanged(c.snapshotLocked())
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Phase:          c.state.Phase.String(),
		Status:         c.state.Status(),
		RecognizedText: c.recognized,
		ResponseText:   c.response,
		CallActive:     c.call != nil,
		ChatOpen:       c.chatOpen,
	}
	if c.call != nil {
		s.CallID = c.call.id
	}
	return s
}

func (c *Controller) archiveLocked(call *activeCall) {
	if c.deps.Archiver == nil {
		return
	}
	rec := archive.Record{
		CallID:    call.id,
		Channel:   "room",
		RoomID:    c.cfg.Room.RoomID,
		StartedAt: call.startedAt,
		EndedAt:   time.Now(),
		Status:    c.state.Status(),
		Turns:     append([]archive.Turn(nil), call.turns...),
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ArchiveTimeout)
		defer cancel()
		if err := c.deps.Archiver.Archive(ctx, rec); err != nil {
			log.Printf("[%s] archive failed: %v", rec.CallID, err)
		}
	}()
}

// silentSynthesizer stands in when no speech output is configured.
type silentSynthesizer struct{}

func (silentSynthesizer) Speak(ctx context.Context, text string) error {
	log.Printf("no speech output configured, reply not spoken: %q", text)
	return nil
}
