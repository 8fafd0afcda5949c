package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/telecaller/internal/assistant"
)

// Greeting opens every conversation.
const Greeting = "Hello! How can I help you today?"

var (
	// ErrEmptyMessage rejects blank input before any request is made.
	ErrEmptyMessage = errors.New("chat: message is empty")
	// ErrBusy rejects input while a reply is outstanding, when configured.
	ErrBusy = errors.New("chat: waiting for the previous reply")
)

// Message is one entry of a conversation.
type Message struct {
	Text          string `json:"text"`
	FromAssistant bool   `json:"isFromAssistant"`
}

// Options tune a conversation.
type Options struct {
	// RejectWhileLoading refuses new input until the outstanding reply arrives.
	RejectWhileLoading bool
	// ReplyDelay is waited before the assistant is asked.
	ReplyDelay time.Duration
}

// Conversation is an append-only, in-memory exchange with the assistant.
type Conversation struct {
	reply assistant.Replier
	opts  Options

	mu       sync.Mutex
	messages []Message
	pending  int
}

// NewConversation starts a conversation with the greeting.
func NewConversation(reply assistant.Replier, opts Options) *Conversation {
	return &Conversation{
		reply:    reply,
		opts:     opts,
		messages: []Message{{Text: Greeting, FromAssistant: true}},
	}
}

// Submit appends text as a user message, asks the assistant and appends its
// reply, or the channel's fallback text, as an assistant message.
func (c *Conversation) Submit(ctx context.Context, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}
	c.mu.Lock()
	if c.opts.RejectWhileLoading && c.pending > 0 {
		c.mu.Unlock()
		return Message{}, ErrBusy
	}
	c.messages = append(c.messages, Message{Text: text})
	c.pending++
	c.mu.Unlock()

	if c.opts.ReplyDelay > 0 {
		t := time.NewTimer(c.opts.ReplyDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	msg := Message{Text: c.reply(ctx, text), FromAssistant: true}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.pending--
	c.mu.Unlock()
	return msg, nil
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Loading reports whether a reply is outstanding.
func (c *Conversation) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending > 0
}
