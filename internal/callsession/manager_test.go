package callsession

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeStream struct {
	resets int
}

func (s *fakeStream) WritePCM([]byte)                 {}
func (s *fakeStream) FlushTail()                      {}
func (s *fakeStream) Reset()                          { s.resets++ }
func (s *fakeStream) Drain(ctx context.Context) error { return nil }

type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	fail     map[string]error
	block    string
	stream   *fakeStream
	lastUser Identity
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{fail: map[string]error{}, stream: &fakeStream{}}
}

func (f *fakeEngine) record(ctx context.Context, name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	err := f.fail[name]
	block := f.block == name
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeEngine) LoginRoom(ctx context.Context, roomID, token string, user Identity) error {
	f.mu.Lock()
	f.lastUser = user
	f.mu.Unlock()
	return f.record(ctx, "login:"+roomID)
}

func (f *fakeEngine) CreateStream(ctx context.Context, c StreamConstraints) (LocalStream, error) {
	if err := f.record(ctx, "create"); err != nil {
		return nil, err
	}
	return f.stream, nil
}

func (f *fakeEngine) StartPublishingStream(ctx context.Context, id string, s LocalStream) error {
	return f.record(ctx, "publish:"+id)
}

func (f *fakeEngine) StopPublishingStream(ctx context.Context, id string) error {
	return f.record(ctx, "unpublish:"+id)
}

func (f *fakeEngine) LogoutRoom(ctx context.Context, roomID string) error {
	return f.record(ctx, "logout:"+roomID)
}

func (f *fakeEngine) DestroyEngine() error {
	return f.record(context.Background(), "destroy")
}

func (f *fakeEngine) log() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, ",")
}

func testConfig() Config {
	return Config{RoomID: "TestRoom", UserID: "userID", Token: "tok", StepTimeout: time.Second}
}

func TestOpen_JoinsAndPublishesAudioStream(t *testing.T) {
	eng := newFakeEngine()
	m := NewManager(eng, testConfig())
	stream, err := m.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if stream != eng.stream || m.Stream() != eng.stream {
		t.Fatalf("expected engine stream to be returned")
	}
	if got, want := eng.log(), "login:TestRoom,create,publish:stream_userID"; got != want {
		t.Fatalf("calls = %q, want %q", got, want)
	}
	if eng.lastUser.UserName != "userID" {
		t.Fatalf("user name should default to user id, got %q", eng.lastUser.UserName)
	}
}

func TestOpen_LoginFailureDestroysEngine(t *testing.T) {
	eng := newFakeEngine()
	eng.fail["login:TestRoom"] = errors.New("bad token")
	m := NewManager(eng, testConfig())
	if _, err := m.Open(context.Background()); err == nil || !strings.Contains(err.Error(), "bad token") {
		t.Fatalf("expected login error, got %v", err)
	}
	if got, want := eng.log(), "login:TestRoom,destroy"; got != want {
		t.Fatalf("calls = %q, want %q", got, want)
	}
}

func TestOpen_PublishFailureLeavesRoom(t *testing.T) {
	eng := newFakeEngine()
	eng.fail["publish:stream_userID"] = errors.New("denied")
	m := NewManager(eng, testConfig())
	if _, err := m.Open(context.Background()); err == nil {
		t.Fatalf("expected publish error")
	}
	if got, want := eng.log(), "login:TestRoom,create,publish:stream_userID,logout:TestRoom,destroy"; got != want {
		t.Fatalf("calls = %q, want %q", got, want)
	}
}

func TestOpen_StepDeadline(t *testing.T) {
	eng := newFakeEngine()
	eng.block = "login:TestRoom"
	cfg := testConfig()
	cfg.StepTimeout = 30 * time.Millisecond
	m := NewManager(eng, cfg)
	start := time.Now()
	_, err := m.Open(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("login did not honor the step timeout")
	}
}

func TestPublish_RejectsVideo(t *testing.T) {
	m := NewManager(newFakeEngine(), testConfig())
	_ = m.Join(context.Background())
	if _, err := m.Publish(context.Background(), "s", StreamConstraints{Audio: true, Video: true}); !errors.Is(err, ErrVideoUnsupported) {
		t.Fatalf("expected ErrVideoUnsupported, got %v", err)
	}
}

func TestPublish_RequiresJoin(t *testing.T) {
	m := NewManager(newFakeEngine(), testConfig())
	if _, err := m.Publish(context.Background(), "s", StreamConstraints{Audio: true}); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestTeardown_OrderAndIdempotence(t *testing.T) {
	eng := newFakeEngine()
	m := NewManager(eng, testConfig())
	if _, err := m.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.Teardown(context.Background()); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if err := m.Teardown(context.Background()); err != nil {
		t.Fatalf("second teardown: %v", err)
	}
	want := "login:TestRoom,create,publish:stream_userID,unpublish:stream_userID,logout:TestRoom,destroy"
	if got := eng.log(); got != want {
		t.Fatalf("calls = %q, want %q", got, want)
	}
	if eng.stream.resets != 1 {
		t.Fatalf("expected queued audio reset once, got %d", eng.stream.resets)
	}
}

func TestTeardown_BestEffort(t *testing.T) {
	eng := newFakeEngine()
	eng.fail["unpublish:stream_userID"] = errors.New("gone")
	eng.fail["logout:TestRoom"] = errors.New("offline")
	m := NewManager(eng, testConfig())
	_, _ = m.Open(context.Background())

	err := m.Teardown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "gone") || !strings.Contains(err.Error(), "offline") {
		t.Fatalf("expected joined errors, got %v", err)
	}
	if !strings.HasSuffix(eng.log(), "destroy") {
		t.Fatalf("engine must be destroyed despite failures: %s", eng.log())
	}
}

type watchedEngine struct {
	*fakeEngine
	fn func(error)
}

func (w *watchedEngine) OnDisconnect(fn func(error)) { w.fn = fn }

func TestWatch_RegistersWithMonitoringEngines(t *testing.T) {
	if NewManager(newFakeEngine(), testConfig()).Watch(func(error) {}) {
		t.Fatalf("plain engine cannot report a dropped room")
	}
	eng := &watchedEngine{fakeEngine: newFakeEngine()}
	var got error
	if !NewManager(eng, testConfig()).Watch(func(err error) { got = err }) {
		t.Fatalf("expected watch to register")
	}
	eng.fn(errors.New("bye"))
	if got == nil || got.Error() != "bye" {
		t.Fatalf("handler not wired, got %v", got)
	}
}
