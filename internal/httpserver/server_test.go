package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/telecaller/internal/agent"
	"github.com/chadiek/telecaller/internal/chat"
	"github.com/chadiek/telecaller/internal/speech"
)

type fakeCall struct {
	snap     agent.Snapshot
	startErr error
	popup    *chat.Conversation
}

func (f *fakeCall) Start(ctx context.Context) (agent.Snapshot, error) {
	if f.startErr != nil {
		return f.snap, f.startErr
	}
	f.snap = agent.Snapshot{Phase: "listening", Status: "Listening...", CallActive: true, CallID: "c1"}
	return f.snap, nil
}

func (f *fakeCall) End(ctx context.Context) (agent.Snapshot, error) {
	if !f.snap.CallActive {
		return f.snap, agent.ErrNoActiveCall
	}
	f.snap = agent.Snapshot{Phase: "ended", Status: "Call ended"}
	return f.snap, nil
}

func (f *fakeCall) Snapshot() agent.Snapshot { return f.snap }

func (f *fakeCall) ToggleChat() agent.Snapshot {
	f.snap.ChatOpen = !f.snap.ChatOpen
	f.popup = nil
	if f.snap.ChatOpen {
		f.popup = chat.NewConversation(echoReply, chat.Options{})
	}
	return f.snap
}

func (f *fakeCall) PopupSubmit(ctx context.Context, text string) (chat.Message, error) {
	if f.popup == nil {
		return chat.Message{}, agent.ErrChatClosed
	}
	return f.popup.Submit(ctx, text)
}

func (f *fakeCall) PopupMessages() ([]chat.Message, error) {
	if f.popup == nil {
		return nil, agent.ErrChatClosed
	}
	return f.popup.Messages(), nil
}

func echoReply(ctx context.Context, m string) string { return "re:" + m }

func newTestServer(password string) (*Server, *fakeCall) {
	call := &fakeCall{snap: agent.Snapshot{Phase: "ready", Status: "Ready"}}
	s := New(Options{
		Password: password,
		Call:     call,
		Chats:    chat.NewRegistry(echoReply, chat.Options{RejectWhileLoading: true}, chat.Limits{}),
	})
	return s, call
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Echo.ServeHTTP(w, r)
	return w
}

func TestServer_Healthz(t *testing.T) {
	s, _ := newTestServer("")
	if w := do(s, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthOK(t *testing.T) {
	if !authOK(nil, "") {
		t.Fatalf("expected true when no password is configured")
	}
	r := httptest.NewRequest(http.MethodGet, "/?password=secret", nil)
	if !authOK(r, "secret") {
		t.Fatalf("expected true with query password")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	if !authOK(r2, "tok") {
		t.Fatalf("expected true with X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "bearer abc")
	if !authOK(r3, "abc") {
		t.Fatalf("expected true with lowercase bearer prefix")
	}
}

func TestAuthOK_NegativeCases(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodGet, "/?password=wrong", nil)
	if authOK(r1, "secret") {
		t.Fatalf("expected false with wrong query token")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "nope")
	if authOK(r2, "secret") {
		t.Fatalf("expected false with wrong X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "Bearer nope")
	if authOK(r3, "secret") {
		t.Fatalf("expected false with wrong bearer token")
	}
}

func TestAPI_RequiresPassword(t *testing.T) {
	s, _ := newTestServer("secret")
	if w := do(s, http.MethodPost, "/api/call/start", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/api/call/start?password=secret", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCallPage_Placeholders(t *testing.T) {
	s, _ := newTestServer("")
	w := do(s, http.MethodGet, "/", "")
	var view callPageView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != "Ready" || view.RecognizedText != "Nothing yet..." || view.ResponseText != "Waiting for response..." {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.CallButton != "Start Call" || view.Links["chatbot"] != "/chatbot" {
		t.Fatalf("unexpected controls %+v", view)
	}
}

func TestStartAndEndCall(t *testing.T) {
	s, _ := newTestServer("")
	w := do(s, http.MethodPost, "/api/call/start", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Listening...") {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	var view callPageView
	_ = json.Unmarshal(do(s, http.MethodGet, "/", "").Body.Bytes(), &view)
	if view.CallButton != "End Call" {
		t.Fatalf("expected End Call button, got %q", view.CallButton)
	}
	w = do(s, http.MethodPost, "/api/call/end", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Call ended") {
		t.Fatalf("end: %d %s", w.Code, w.Body.String())
	}
	if w := do(s, http.MethodPost, "/api/call/end", ""); w.Code != http.StatusConflict {
		t.Fatalf("second end: expected 409, got %d", w.Code)
	}
}

func TestStartCall_ErrorMapping(t *testing.T) {
	s, call := newTestServer("")
	call.startErr = speech.ErrUnsupported
	if w := do(s, http.MethodPost, "/api/call/start", ""); w.Code != http.StatusPreconditionFailed {
		t.Fatalf("unsupported: expected 412, got %d", w.Code)
	}
	call.startErr = agent.ErrCallActive
	if w := do(s, http.MethodPost, "/api/call/start", ""); w.Code != http.StatusConflict {
		t.Fatalf("active: expected 409, got %d", w.Code)
	}
}

func TestChatbotConversationLifecycle(t *testing.T) {
	s, _ := newTestServer("")
	w := do(s, http.MethodPost, "/api/chatbot/conversations", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d", w.Code)
	}
	var conv conversationView
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.ID == "" || len(conv.Messages) != 1 || conv.Messages[0].Text != chat.Greeting {
		t.Fatalf("unexpected new conversation %+v", conv)
	}
	base := "/api/chatbot/conversations/" + conv.ID

	if w := do(s, http.MethodPost, base+"/messages", `{"text":"   "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("blank: expected 400, got %d", w.Code)
	}
	w = do(s, http.MethodPost, base+"/messages", `{"text":"hello"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"text":"re:hello"`) || !strings.Contains(w.Body.String(), `"isFromAssistant":true`) {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	_ = json.Unmarshal(do(s, http.MethodGet, base, "").Body.Bytes(), &conv)
	if len(conv.Messages) != 3 || conv.Messages[1].Text != "hello" || conv.Messages[1].FromAssistant {
		t.Fatalf("unexpected history %+v", conv.Messages)
	}

	if w := do(s, http.MethodDelete, base, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	if w := do(s, http.MethodGet, base, ""); w.Code != http.StatusNotFound {
		t.Fatalf("after delete: expected 404, got %d", w.Code)
	}
}

func TestChatWidgetRoutes(t *testing.T) {
	s, _ := newTestServer("")
	if w := do(s, http.MethodGet, "/api/call/chatbot/messages", ""); w.Code != http.StatusConflict {
		t.Fatalf("closed widget: expected 409, got %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/api/call/chatbot/toggle", ""); !strings.Contains(w.Body.String(), `"chatOpen":true`) {
		t.Fatalf("toggle: %s", w.Body.String())
	}
	w := do(s, http.MethodPost, "/api/call/chatbot/messages", `{"text":"hi"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "re:hi") {
		t.Fatalf("popup submit: %d %s", w.Code, w.Body.String())
	}
	var view callPageView
	_ = json.Unmarshal(do(s, http.MethodGet, "/", "").Body.Bytes(), &view)
	if !view.ChatOpen || len(view.Chat) != 3 {
		t.Fatalf("call page should embed widget history: %+v", view)
	}
}

func TestTelecalls_NotConfigured(t *testing.T) {
	s, _ := newTestServer("")
	if w := do(s, http.MethodPost, "/api/telecalls", `{"to":"+15551234567"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestCallEvents_StreamsSnapshots(t *testing.T) {
	s, _ := newTestServer("secret")
	ts := httptest.NewServer(s.Echo)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/call/events?password=secret"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snap agent.Snapshot
	if err := conn.ReadJSON(&snap); err != nil || snap.Status != "Ready" {
		t.Fatalf("initial snapshot: %+v %v", snap, err)
	}
	deadline := time.Now().Add(time.Second)
	for s.hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.hub.StatusChanged(agent.Snapshot{Phase: "speaking", Status: "Speaking response..."})
	if err := conn.ReadJSON(&snap); err != nil || snap.Status != "Speaking response..." {
		t.Fatalf("pushed snapshot: %+v %v", snap, err)
	}
}

func TestHub_DropsOldestForSlowSubscriber(t *testing.T) {
	h := NewHub()
	ch := h.subscribe()
	for i := 0; i < subscriberBuffer+5; i++ {
		h.StatusChanged(agent.Snapshot{Status: "s"})
	}
	h.StatusChanged(agent.Snapshot{Status: "latest"})
	var last agent.Snapshot
	for len(ch) > 0 {
		last = <-ch
	}
	if last.Status != "latest" {
		t.Fatalf("expected newest snapshot kept, got %q", last.Status)
	}
	h.unsubscribe(ch)
	if h.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}
}
