package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chadiek/telecaller/internal/callsession"
)

// Streamer produces 48kHz PCM mono audio for text.
type Streamer interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// New picks a Streamer by provider name: "deepgram" or "elevenlabs".
func New(provider, deepgramKey, deepgramModel, elevenKey, elevenVoice string) (Streamer, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "deepgram":
		if deepgramKey == "" {
			return nil, errors.New("tts: DEEPGRAM_API_KEY is not set")
		}
		return NewDeepgramStreamer(deepgramKey, deepgramModel), nil
	case "elevenlabs":
		if elevenKey == "" || elevenVoice == "" {
			return nil, errors.New("tts: ELEVENLABS_API_KEY and ELEVENLABS_VOICE_ID are required")
		}
		return NewElevenLabsStreamer(elevenKey, elevenVoice), nil
	default:
		return nil, fmt.Errorf("tts: unknown provider %q", provider)
	}
}

// Synthesizer speaks replies into a published room stream.
type Synthesizer struct {
	streamer Streamer
	sink     callsession.LocalStream
}

func NewSynthesizer(streamer Streamer, sink callsession.LocalStream) *Synthesizer {
	return &Synthesizer{streamer: streamer, sink: sink}
}

// Speak streams text sentence by sentence and returns once the audio has
// been delivered. Cancelling ctx drops whatever is still queued.
func (s *Synthesizer) Speak(ctx context.Context, text string) error {
	var firstErr error
	for _, chunk := range chunkReply(text) {
		if err := s.streamChunk(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				s.sink.Reset()
				return ctx.Err()
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.sink.FlushTail()
	if err := s.sink.Drain(ctx); err != nil {
		s.sink.Reset()
		return err
	}
	return firstErr
}

func (s *Synthesizer) streamChunk(ctx context.Context, chunk string) error {
	pcm, errs := s.streamer.StreamPCM48k(ctx, chunk)
	var streamErr error
	for pcm != nil || errs != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-pcm:
			if !ok {
				pcm = nil
				continue
			}
			s.sink.WritePCM(b)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && streamErr == nil {
				streamErr = err
			}
		}
	}
	return streamErr
}

// chunkReply splits a reply into sentence-like chunks so audio starts before
// the whole reply is synthesized. Splits on '.', '?', '!' and newlines,
// retaining punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	flush := func() {
		if chunk := strings.TrimSpace(b.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			flush()
		case '\n', '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return chunks
}
