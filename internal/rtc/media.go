package rtc

import (
	"encoding/binary"
	"encoding/json"
	"log"

	"github.com/pion/webrtc/v3"
)

const pcm16kChunkBytes = 3200 // 100ms at 16kHz

type decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// pcmChunker packs decoded samples into fixed-size little-endian chunks.
type pcmChunker struct {
	buf  []byte
	size int
	emit func([]byte)
}

func newPCMChunker(size int, emit func([]byte)) *pcmChunker {
	return &pcmChunker{buf: make([]byte, 0, size*2), size: size, emit: emit}
}

func (c *pcmChunker) write(samples []int16) {
	for _, s := range samples {
		c.buf = binary.LittleEndian.AppendUint16(c.buf, uint16(s))
	}
	for len(c.buf) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.buf[:c.size])
		c.emit(chunk)
		c.buf = append(c.buf[:0], c.buf[c.size:]...)
	}
}

// pumpRemoteAudio decodes Opus payloads from read until it fails and hands
// 16kHz PCM chunks to sink.
func pumpRemoteAudio(tag string, read func() ([]byte, error), dec decoder, sink func([]byte)) {
	chunker := newPCMChunker(pcm16kChunkBytes, sink)
	samples := make([]int16, 1920)
	for {
		payload, err := read()
		if err != nil {
			log.Printf("[%s] remote audio ended: %v", tag, err)
			return
		}
		if len(payload) == 0 {
			continue
		}
		n, err := dec.Decode(payload, samples)
		if err != nil {
			log.Printf("[%s] Opus decode error: %v", tag, err)
			continue
		}
		chunker.write(samples[:n])
	}
}

func trackPayloads(remote *webrtc.TrackRemote) func() ([]byte, error) {
	return func() ([]byte, error) {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return nil, err
		}
		return pkt.Payload, nil
	}
}

// ParseICEServers reads a JSON list of ICE servers, falling back to Google's public STUN.
func ParseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
