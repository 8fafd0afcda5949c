package speech

import (
	"context"
	"errors"
)

// ErrUnsupported means no speech recognition capability is available.
var ErrUnsupported = errors.New("speech recognition not supported")

// ErrNoSpeech is reported by a Recognizer that heard nothing before giving up.
var ErrNoSpeech = errors.New("no-speech")

// RecognitionConfig is applied to a recognizer when it is created.
type RecognitionConfig struct {
	Locale         string
	Continuous     bool
	InterimResults bool
}

// DefaultRecognitionConfig is continuous, final-results-only listening.
func DefaultRecognitionConfig(locale string) RecognitionConfig {
	if locale == "" {
		locale = "en-US"
	}
	return RecognitionConfig{Locale: locale, Continuous: true, InterimResults: false}
}

// RecognitionHandlers receive recognizer callbacks. Nil handlers are skipped.
type RecognitionHandlers struct {
	OnStart  func()
	OnResult func(transcript string)
	OnError  func(err error)
	OnEnd    func()
}

// Recognizer is a continuous speech-to-text capability.
// Every successful Start is eventually followed by exactly one OnEnd.
type Recognizer interface {
	Start(ctx context.Context, h RecognitionHandlers) error
	Stop() error
}

// Synthesizer speaks text; Speak returns once the audio has finished playing.
type Synthesizer interface {
	Speak(ctx context.Context, text string) error
}
