package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Channel selects one of the backend's exchange endpoints.
type Channel int

const (
	// ChannelChat is the chat page exchange.
	ChannelChat Channel = iota
	// ChannelSpeech is the call page exchange; replies are meant to be spoken.
	ChannelSpeech
	// ChannelPopup is the floating chat widget exchange.
	ChannelPopup
)

type channelRoute struct {
	path  string
	field string
	// fallback replies; unreachable is used for transport failures
	fallback    string
	unreachable string
}

var channels = map[Channel]channelRoute{
	ChannelChat: {
		path:        "/chat",
		field:       "response",
		fallback:    "Error: Could not get a response",
		unreachable: "Error: Server not reachable",
	},
	ChannelSpeech: {
		path:        "/speech-chat",
		field:       "tts_response",
		fallback:    "Sorry, I couldn't process that request.",
		unreachable: "Sorry, I couldn't process that request.",
	},
	ChannelPopup: {
		path:        "/ai-chat",
		field:       "response",
		fallback:    "Error contacting the chatbot.",
		unreachable: "Error contacting the chatbot.",
	},
}

func (ch Channel) String() string {
	if route, ok := channels[ch]; ok {
		return route.path
	}
	return fmt.Sprintf("channel(%d)", int(ch))
}

// ErrMissingReply is returned when a 2xx response lacks the expected field.
var ErrMissingReply = errors.New("assistant: reply field missing")

// StatusError reports a non-2xx backend response.
type StatusError struct {
	Channel Channel
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("assistant %s: status=%d body=%s", e.Channel, e.Code, e.Body)
}

// Client posts messages to the remote assistant backend.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	// Timeout bounds every request; zero leaves the caller's context alone.
	Timeout time.Duration
}

type messageRequest struct {
	Message string `json:"message"`
}

// NewClient constructs a Client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		HTTPClient: &http.Client{},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Timeout:    timeout,
	}
}

// Send performs one request/response cycle. There are no retries.
func (c *Client) Send(ctx context.Context, ch Channel, message string) (string, error) {
	route, ok := channels[ch]
	if !ok {
		return "", fmt.Errorf("assistant: unknown channel %d", int(ch))
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	reqBody, _ := json.Marshal(messageRequest{Message: message})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+route.path, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("assistant %s: %w", ch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &StatusError{Channel: ch, Code: resp.StatusCode, Body: string(b)}
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("assistant %s: decode: %w", ch, err)
	}
	reply, _ := payload[route.field].(string)
	if reply == "" {
		return "", fmt.Errorf("assistant %s: %w", ch, ErrMissingReply)
	}
	return reply, nil
}

// Reply is Send that always resolves: failures become the channel's fallback text.
func (c *Client) Reply(ctx context.Context, ch Channel, message string) string {
	reply, err := c.Send(ctx, ch, message)
	if err != nil {
		log.Printf("assistant %s failed: %v", ch, err)
		return Fallback(ch, err)
	}
	return reply
}

// Fallback returns the fixed reply shown in place of a failed exchange.
func Fallback(ch Channel, err error) string {
	route, ok := channels[ch]
	if !ok {
		route = channels[ChannelChat]
	}
	var se *StatusError
	if err == nil || errors.As(err, &se) || errors.Is(err, ErrMissingReply) {
		return route.fallback
	}
	return route.unreachable
}

// Replier answers a message on a fixed channel and never fails.
type Replier func(ctx context.Context, message string) string

// Bind fixes the channel and an optional prompt suffix appended to each outgoing message.
func (c *Client) Bind(ch Channel, suffix string) Replier {
	return func(ctx context.Context, message string) string {
		return c.Reply(ctx, ch, message+suffix)
	}
}
