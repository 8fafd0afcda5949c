package callsession

import (
	"context"
	"errors"
)

// ErrVideoUnsupported is returned when a stream asks for video.
var ErrVideoUnsupported = errors.New("video publishing not supported")

// Identity is the user presented to the room.
type Identity struct {
	UserID   string
	UserName string
}

// StreamConstraints selects the media captured into a local stream.
type StreamConstraints struct {
	Audio bool
	Video bool
}

// LocalStream consumes 48kHz PCM mono and delivers it to the room.
// Implementations buffer internally and pace delivery.
type LocalStream interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops any queued frames immediately.
	Reset()
	// Drain blocks until queued audio has been delivered or ctx ends.
	Drain(ctx context.Context) error
}

// Engine is a real-time room SDK.
type Engine interface {
	LoginRoom(ctx context.Context, roomID, token string, user Identity) error
	CreateStream(ctx context.Context, c StreamConstraints) (LocalStream, error)
	StartPublishingStream(ctx context.Context, streamID string, s LocalStream) error
	StopPublishingStream(ctx context.Context, streamID string) error
	LogoutRoom(ctx context.Context, roomID string) error
	DestroyEngine() error
}

// Monitor is implemented by engines that can tell when the room drops
// after a successful login.
type Monitor interface {
	OnDisconnect(fn func(err error))
}

// StreamID is the published stream name for a user.
func StreamID(userID string) string {
	return "stream_" + userID
}
