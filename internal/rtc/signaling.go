package rtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var (
	// ErrSignalingClosed is returned for requests made after the room connection closed.
	ErrSignalingClosed = errors.New("room signaling closed")
	// ErrRoomClosed is reported when the room says bye on its own.
	ErrRoomClosed = errors.New("room closed the connection")
)

// signalMessage is the room signaling frame. Requests carry a Seq that the
// room echoes on the matching reply; candidates and bye are unsolicited.
// Types: login/login-ack, publish/answer, candidate, unpublish/unpublish-ack,
// logout/logout-ack, bye, error.
type signalMessage struct {
	Type     string `json:"type"`
	Seq      uint64 `json:"seq,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	Token    string `json:"token,omitempty"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
	StreamID string `json:"streamId,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Error         string  `json:"error,omitempty"`
}

type signalingClient struct {
	conn        *websocket.Conn
	onCandidate func(signalMessage)
	// onLost hears about a connection that ended without close being called.
	onLost func(*signalingClient, error)

	writeMu sync.Mutex
	mu      sync.Mutex
	leaving bool
	seq     uint64
	pending map[uint64]chan signalMessage
	closed  chan struct{}
	once    sync.Once
}

func dialSignaling(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header, onCandidate func(signalMessage), onLost func(*signalingClient, error)) (*signalingClient, error) {
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			log.Printf("room signaling connection failed with status: %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("dial room signaling: %w", err)
	}
	c := &signalingClient{
		conn:        conn,
		onCandidate: onCandidate,
		onLost:      onLost,
		pending:     make(map[uint64]chan signalMessage),
		closed:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *signalingClient) readLoop() {
	err := c.receive()
	c.shutdown()
	if err != nil && c.onLost != nil {
		c.onLost(c, err)
	}
}

// receive dispatches frames until the connection ends. It returns nil when
// close was called and the reason otherwise.
func (c *signalingClient) receive() error {
	for {
		var m signalMessage
		if err := c.conn.ReadJSON(&m); err != nil {
			if c.isLeaving() {
				return nil
			}
			log.Printf("room signaling read error: %v", err)
			return fmt.Errorf("room signaling: %w", err)
		}
		if m.Seq != 0 {
			c.mu.Lock()
			ch, ok := c.pending[m.Seq]
			delete(c.pending, m.Seq)
			c.mu.Unlock()
			if ok {
				ch <- m
				continue
			}
		}
		switch m.Type {
		case "candidate":
			if c.onCandidate != nil && m.Candidate != "" {
				c.onCandidate(m)
			}
		case "bye":
			log.Printf("room signaling: server said bye")
			if c.isLeaving() {
				return nil
			}
			return ErrRoomClosed
		case "error":
			log.Printf("room signaling error: %s", m.Error)
		}
	}
}

func (c *signalingClient) isLeaving() bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaving
}

// leave marks the connection as ending on purpose, so its end is not reported as lost.
func (c *signalingClient) leave() {
	c.mu.Lock()
	c.leaving = true
	c.mu.Unlock()
}

func (c *signalingClient) send(m signalMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(m)
}

// request sends m and waits for the reply carrying the same seq.
func (c *signalingClient) request(ctx context.Context, m signalMessage, want string) (signalMessage, error) {
	select {
	case <-c.closed:
		return signalMessage{}, ErrSignalingClosed
	default:
	}
	ch := make(chan signalMessage, 1)
	c.mu.Lock()
	c.seq++
	m.Seq = c.seq
	c.pending[m.Seq] = ch
	c.mu.Unlock()
	drop := func() {
		c.mu.Lock()
		delete(c.pending, m.Seq)
		c.mu.Unlock()
	}

	if err := c.send(m); err != nil {
		drop()
		return signalMessage{}, fmt.Errorf("send %s: %w", m.Type, err)
	}
	select {
	case reply := <-ch:
		if reply.Type == "error" {
			return reply, fmt.Errorf("%s rejected: %s", m.Type, reply.Error)
		}
		if reply.Type != want {
			return reply, fmt.Errorf("%s: unexpected reply %q", m.Type, reply.Type)
		}
		return reply, nil
	case <-c.closed:
		drop()
		return signalMessage{}, ErrSignalingClosed
	case <-ctx.Done():
		drop()
		return signalMessage{}, ctx.Err()
	}
}

func (c *signalingClient) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// close says bye and closes the connection.
func (c *signalingClient) close() {
	select {
	case <-c.closed:
		return
	default:
	}
	c.leave()
	_ = c.send(signalMessage{Type: "bye"})
	c.shutdown()
}
