package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"gopkg.in/hraban/opus.v2"
)

const (
	frameSamples  = 960 // 20ms at 48kHz
	frameDuration = 20 * time.Millisecond
)

// sampleWriter is the part of a local track the writer needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// OpusPacedWriter encodes 48kHz PCM mono to Opus and writes frames to a track
// in real time. It implements callsession.LocalStream.
type OpusPacedWriter struct {
	enc     *opus.Encoder
	track   sampleWriter
	pcmBuf  []int16
	frames  chan []byte
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
}

// NewOpusPacedWriter constructs a paced writer with 20ms frames.
func NewOpusPacedWriter(track sampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := newPacedWriter(enc, track)
	go w.pacer()
	return w, nil
}

func newPacedWriter(enc *opus.Encoder, track sampleWriter) *OpusPacedWriter {
	return &OpusPacedWriter{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, 512),
		stopCh: make(chan struct{}),
	}
}

// WritePCM buffers little-endian PCM and queues every full frame.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(pcmBytes) / 2
	for i := 0; i < n; i++ {
		w.pcmBuf = append(w.pcmBuf, int16(uint16(pcmBytes[2*i])|uint16(pcmBytes[2*i+1])<<8))
	}
	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= frameSamples {
		w.encode(w.pcmBuf[:frameSamples], opusBuf)
		w.pcmBuf = append(w.pcmBuf[:0], w.pcmBuf[frameSamples:]...)
	}
}

func (w *OpusPacedWriter) encode(frame []int16, opusBuf []byte) {
	n, err := w.enc.Encode(frame, opusBuf)
	if err != nil || n == 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, opusBuf[:n])
	w.pushFrame(pkt)
}

// FlushTail pads the remaining PCM to a full frame and adds ~200ms of silence to avoid clipping.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	opusBuf := make([]byte, 4000)
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, frameSamples)
		copy(pad, w.pcmBuf)
		w.encode(pad, opusBuf)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, frameSamples)
	for i := 0; i < 10; i++ {
		w.encode(silence, opusBuf)
	}
}

// Drain waits until every queued frame has been written.
func (w *OpusPacedWriter) Drain(ctx context.Context) error {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		w.mu.Lock()
		idle := w.stopped || (len(w.frames) == 0 && len(w.pcmBuf) == 0)
		w.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reset drops queued audio immediately.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}

// Close stops the pacer.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}
