package callsession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrNotJoined is returned by operations that need a joined room.
var ErrNotJoined = errors.New("room not joined")

// Config identifies the room and bounds each SDK step.
type Config struct {
	RoomID      string
	UserID      string
	UserName    string
	Token       string
	StepTimeout time.Duration
}

// Manager owns one Engine for the lifetime of a call and tracks what must be undone.
type Manager struct {
	engine Engine
	cfg    Config

	mu        sync.Mutex
	joined    bool
	stream    LocalStream
	streamID  string
	destroyed bool
}

// NewManager wraps engine. A zero StepTimeout defaults to 10s.
func NewManager(engine Engine, cfg Config) *Manager {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 10 * time.Second
	}
	if cfg.UserName == "" {
		cfg.UserName = cfg.UserID
	}
	return &Manager{engine: engine, cfg: cfg}
}

func (m *Manager) step(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.StepTimeout)
}

// Watch registers fn to hear about the room dropping mid-call. It reports
// false when the engine cannot tell.
func (m *Manager) Watch(fn func(err error)) bool {
	mon, ok := m.engine.(Monitor)
	if !ok {
		return false
	}
	mon.OnDisconnect(fn)
	return true
}

// Join logs into the configured room.
func (m *Manager) Join(ctx context.Context) error {
	sctx, cancel := m.step(ctx)
	defer cancel()
	user := Identity{UserID: m.cfg.UserID, UserName: m.cfg.UserName}
	if err := m.engine.LoginRoom(sctx, m.cfg.RoomID, m.cfg.Token, user); err != nil {
		return fmt.Errorf("login room %s: %w", m.cfg.RoomID, err)
	}
	m.mu.Lock()
	m.joined = true
	m.mu.Unlock()
	return nil
}

// Publish creates a local stream and publishes it as streamID.
func (m *Manager) Publish(ctx context.Context, streamID string, c StreamConstraints) (LocalStream, error) {
	if c.Video {
		return nil, ErrVideoUnsupported
	}
	m.mu.Lock()
	joined := m.joined
	m.mu.Unlock()
	if !joined {
		return nil, ErrNotJoined
	}

	sctx, cancel := m.step(ctx)
	defer cancel()
	stream, err := m.engine.CreateStream(sctx, c)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	if err := m.engine.StartPublishingStream(sctx, streamID, stream); err != nil {
		return nil, fmt.Errorf("publish %s: %w", streamID, err)
	}
	m.mu.Lock()
	m.stream, m.streamID = stream, streamID
	m.mu.Unlock()
	return stream, nil
}

// Open joins the room and publishes the user's audio-only stream.
// A failure undoes whatever was set up.
func (m *Manager) Open(ctx context.Context) (LocalStream, error) {
	if err := m.Join(ctx); err != nil {
		m.cleanup()
		return nil, err
	}
	stream, err := m.Publish(ctx, StreamID(m.cfg.UserID), StreamConstraints{Audio: true})
	if err != nil {
		m.cleanup()
		return nil, err
	}
	return stream, nil
}

func (m *Manager) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StepTimeout)
	defer cancel()
	if err := m.Teardown(ctx); err != nil {
		log.Printf("[%s] cleanup after failed open: %v", m.cfg.RoomID, err)
	}
}

// Stream returns the published stream, if any.
func (m *Manager) Stream() LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// Unpublish stops the published stream. It is a no-op when nothing is published.
func (m *Manager) Unpublish(ctx context.Context) error {
	m.mu.Lock()
	id := m.streamID
	stream := m.stream
	m.stream, m.streamID = nil, ""
	m.mu.Unlock()
	if id == "" {
		return nil
	}
	stream.Reset()
	sctx, cancel := m.step(ctx)
	defer cancel()
	if err := m.engine.StopPublishingStream(sctx, id); err != nil {
		return fmt.Errorf("stop publishing %s: %w", id, err)
	}
	return nil
}

// Leave logs out of the room. It is a no-op when not joined.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	joined := m.joined
	m.joined = false
	m.mu.Unlock()
	if !joined {
		return nil
	}
	sctx, cancel := m.step(ctx)
	defer cancel()
	if err := m.engine.LogoutRoom(sctx, m.cfg.RoomID); err != nil {
		return fmt.Errorf("logout room %s: %w", m.cfg.RoomID, err)
	}
	return nil
}

// Destroy releases the engine once.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	done := m.destroyed
	m.destroyed = true
	m.mu.Unlock()
	if done {
		return nil
	}
	if err := m.engine.DestroyEngine(); err != nil {
		return fmt.Errorf("destroy engine: %w", err)
	}
	return nil
}

// Teardown unpublishes, leaves and destroys the engine in that order.
// Every step runs even if an earlier one fails; the failures are joined.
// Repeated calls are no-ops.
func (m *Manager) Teardown(ctx context.Context) error {
	var errs []error
	if err := m.Unpublish(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.Leave(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.Destroy(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
