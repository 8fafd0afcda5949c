package chat

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/telecaller/internal/assistant"
)

// ErrNotFound is returned for unknown conversation ids.
var ErrNotFound = errors.New("chat: conversation not found")

const (
	defaultMaxConversations = 1000
	defaultIdleTTL          = 30 * time.Minute
)

// Limits bound how many chat-page conversations are kept in memory.
// Zero values use the defaults.
type Limits struct {
	// MaxConversations caps the registry; creating past it evicts the least recently used.
	MaxConversations int
	// IdleTTL drops conversations nobody has touched for this long.
	IdleTTL time.Duration
}

type entry struct {
	conv     *Conversation
	lastUsed time.Time
}

// Registry holds chat-page conversations, one per page visit.
type Registry struct {
	reply  assistant.Replier
	opts   Options
	limits Limits
	now    func() time.Time

	mu    sync.Mutex
	convs map[string]*entry
}

func NewRegistry(reply assistant.Replier, opts Options, limits Limits) *Registry {
	if limits.MaxConversations <= 0 {
		limits.MaxConversations = defaultMaxConversations
	}
	if limits.IdleTTL <= 0 {
		limits.IdleTTL = defaultIdleTTL
	}
	return &Registry{reply: reply, opts: opts, limits: limits, now: time.Now, convs: make(map[string]*entry)}
}

// Create starts a conversation and returns its id. Idle conversations are
// swept first; at the cap the least recently used one is evicted.
func (r *Registry) Create() (string, *Conversation) {
	id := uuid.NewString()
	conv := NewConversation(r.reply, r.opts)
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.sweepLocked(now)
	for len(r.convs) >= r.limits.MaxConversations {
		r.evictOldestLocked()
	}
	r.convs[id] = &entry{conv: conv, lastUsed: now}
	return id, conv
}

// Get returns a live conversation and marks it used.
func (r *Registry) Get(id string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.convs[id]
	now := r.now()
	if !ok || now.Sub(e.lastUsed) > r.limits.IdleTTL {
		delete(r.convs, id)
		return nil, ErrNotFound
	}
	e.lastUsed = now
	return e.conv, nil
}

// Delete discards a conversation; its history is gone for good.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.convs[id]; !ok {
		return ErrNotFound
	}
	delete(r.convs, id)
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.convs)
}

func (r *Registry) sweepLocked(now time.Time) {
	n := 0
	for id, e := range r.convs {
		if now.Sub(e.lastUsed) > r.limits.IdleTTL {
			delete(r.convs, id)
			n++
		}
	}
	if n > 0 {
		log.Printf("chat: dropped %d idle conversations", n)
	}
}

func (r *Registry) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, e := range r.convs {
		if oldestID == "" || e.lastUsed.Before(oldest) {
			oldestID, oldest = id, e.lastUsed
		}
	}
	delete(r.convs, oldestID)
}
