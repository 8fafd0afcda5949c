package tts

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// DeepgramStreamer speaks text through Deepgram's websocket TTS as 48kHz linear16.
type DeepgramStreamer struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string

	// IdleWindow ends a stream once audio has stopped arriving for this long.
	IdleWindow time.Duration
	// MaxDuration bounds a single stream.
	MaxDuration time.Duration
}

func NewDeepgramStreamer(apiKey, model string) *DeepgramStreamer {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramStreamer{
		apiKey:      apiKey,
		model:       model,
		sampleRate:  48000,
		encoding:    "linear16",
		IdleWindow:  400 * time.Millisecond,
		MaxDuration: 12 * time.Second,
	}
}

func (d *DeepgramStreamer) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: API key missing")
			return
		}
		if text == "" {
			return
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   d.encoding,
			SampleRate: d.sampleRate,
		}

		var lastRecv int64
		var seenAudio int32
		serverErr := make(chan error, 1)

		cb := &speakCallback{
			onBinary: func(data []byte) error {
				if len(data) == 0 {
					return nil
				}
				atomic.StoreInt64(&lastRecv, time.Now().UnixNano())
				atomic.StoreInt32(&seenAudio, 1)
				b := make([]byte, len(data))
				copy(b, data)
				select {
				case pcmCh <- b:
				case <-ctx.Done():
				}
				return nil
			},
			onError: func(e *msginterfaces.ErrorResponse) {
				select {
				case serverErr <- fmt.Errorf("deepgram: server error %+v", *e):
				default:
				}
			},
		}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}
		defer dg.Stop()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("deepgram: connect failed")
			return
		}
		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			log.Printf("deepgram: flush error: %v", err)
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(d.MaxDuration)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-serverErr:
				errCh <- err
				return
			case <-ticker.C:
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecv))
					if time.Since(last) > d.IdleWindow {
						return
					}
				}
				if time.Now().After(deadline) {
					log.Printf("deepgram: stream exceeded %s, stopping", d.MaxDuration)
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct {
	onBinary func([]byte) error
	onError  func(*msginterfaces.ErrorResponse)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(w *msginterfaces.WarningResponse) error {
	log.Printf("deepgram: warning %+v", *w)
	return nil
}
func (s *speakCallback) Error(e *msginterfaces.ErrorResponse) error {
	if s.onError != nil {
		s.onError(e)
	}
	return nil
}
func (s *speakCallback) UnhandledEvent([]byte) error { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
