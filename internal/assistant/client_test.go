package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSend_ChannelsAndFields(t *testing.T) {
	var gotPath, gotMessage, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		var body messageRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotMessage = body.Message
		switch r.URL.Path {
		case "/speech-chat":
			_, _ = w.Write([]byte(`{"status":"success","tts_response":"Hi there"}`))
		default:
			_, _ = w.Write([]byte(`{"response":"hello back"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	cases := []struct {
		ch   Channel
		path string
		want string
	}{
		{ChannelChat, "/chat", "hello back"},
		{ChannelSpeech, "/speech-chat", "Hi there"},
		{ChannelPopup, "/ai-chat", "hello back"},
	}
	for _, tc := range cases {
		got, err := c.Send(context.Background(), tc.ch, "hello")
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.path, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.path, got, tc.want)
		}
		if gotPath != tc.path || gotMessage != "hello" || gotType != "application/json" {
			t.Fatalf("%s: request mismatch path=%q message=%q type=%q", tc.path, gotPath, gotMessage, gotType)
		}
	}
}

func TestSend_Failures(t *testing.T) {
	cases := []struct {
		name    string
		ch      Channel
		handler http.HandlerFunc
		check   func(error) bool
	}{
		{"status_non_2xx", ChannelChat, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(500)
			_, _ = w.Write([]byte("oops"))
		}, func(err error) bool { var se *StatusError; return errors.As(err, &se) && se.Code == 500 }},
		{"missing_field", ChannelSpeech, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"response":"wrong field"}`))
		}, func(err error) bool { return errors.Is(err, ErrMissingReply) }},
		{"bad_json", ChannelPopup, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not-json"))
		}, func(err error) bool { return err != nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewClient(srv.URL, time.Second)
			if _, err := c.Send(context.Background(), tc.ch, "hi"); !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSend_Deadline(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(srv.URL, 50*time.Millisecond)
	start := time.Now()
	if _, err := c.Send(context.Background(), ChannelSpeech, "hi"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("request was not bounded by the client timeout")
	}
}

func TestReply_FallbackMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if got := c.Reply(context.Background(), ChannelChat, "hi"); got != "Error: Could not get a response" {
		t.Fatalf("chat fallback mismatch: %q", got)
	}
	if got := c.Reply(context.Background(), ChannelSpeech, "hi"); got != "Sorry, I couldn't process that request." {
		t.Fatalf("speech fallback mismatch: %q", got)
	}
	if got := c.Reply(context.Background(), ChannelPopup, "hi"); got != "Error contacting the chatbot." {
		t.Fatalf("popup fallback mismatch: %q", got)
	}

	unreachable := NewClient("http://127.0.0.1:1", time.Second)
	if got := unreachable.Reply(context.Background(), ChannelChat, "hi"); got != "Error: Server not reachable" {
		t.Fatalf("unreachable fallback mismatch: %q", got)
	}
}

func TestBind_AppendsSuffix(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body messageRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = body.Message
		_, _ = w.Write([]byte(`{"response":"ok"}`))
	}))
	defer srv.Close()

	reply := NewClient(srv.URL, time.Second).Bind(ChannelChat, "\n Give me shortest possible answer")
	if r := reply(context.Background(), "what time is it"); r != "ok" {
		t.Fatalf("unexpected reply %q", r)
	}
	if got != "what time is it\n Give me shortest possible answer" {
		t.Fatalf("suffix not applied: %q", got)
	}
}
