package transcript

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"

	"github.com/chadiek/telecaller/internal/speech"
)

const defaultEndpoint = "wss://streaming.assemblyai.com/v3/ws"

var (
	// ErrNotConnected is returned when audio arrives with no recognition session running.
	ErrNotConnected = errors.New("assemblyai: not connected")
	// ErrAlreadyStarted is returned by Start while a session is running.
	ErrAlreadyStarted = errors.New("assemblyai: recognition already started")
)

// Endpointing controls when an utterance is considered finished.
type Endpointing struct {
	// Silence is the base inactivity window before an utterance completes.
	Silence time.Duration
	// Continuation is added when the last word suggests the speaker will go on ("and", "if").
	Continuation time.Duration
	// Grace absorbs late transcript updates after the silence window.
	Grace time.Duration
	// NoSpeech ends the session with speech.ErrNoSpeech when nothing is heard. Zero disables it.
	NoSpeech time.Duration
}

// DefaultEndpointing is conservative to avoid cutting users off mid-sentence.
func DefaultEndpointing() Endpointing {
	return Endpointing{
		Silence:      700 * time.Millisecond,
		Continuation: 1200 * time.Millisecond,
		Grace:        250 * time.Millisecond,
		NoSpeech:     8 * time.Second,
	}
}

// Recognizer streams 16kHz PCM to AssemblyAI and reports finished utterances.
// It implements speech.Recognizer; audio is fed with SendPCM16KLE.
type Recognizer struct {
	apiKey string
	cfg    speech.RecognitionConfig

	Endpoint string
	Timing   Endpointing
	Dialer   *websocket.Dialer

	mu   sync.Mutex
	sess *session
}

// AssemblyAI message types
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type           string `json:"type"`
	Transcript     string `json:"transcript"`
	TurnFormatted  bool   `json:"turn_is_formatted"`
	AudioStartTime int64  `json:"audio_start_time,omitempty"`
	AudioEndTime   int64  `json:"audio_end_time,omitempty"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewRecognizer returns a recognizer for apiKey configured by cfg.
func NewRecognizer(apiKey string, cfg speech.RecognitionConfig) *Recognizer {
	if cfg.InterimResults {
		log.Printf("assemblyai: interim results not supported, reporting final utterances only")
	}
	return &Recognizer{
		apiKey:   apiKey,
		cfg:      cfg,
		Endpoint: defaultEndpoint,
		Timing:   DefaultEndpointing(),
		Dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (r *Recognizer) streamURL() string {
	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	if lang := strings.ToLower(r.cfg.Locale); lang != "" && !strings.HasPrefix(lang, "en") {
		params.Set("speech_model", "universal-streaming-multilingual")
	}
	return r.Endpoint + "?" + params.Encode()
}

// Start opens a streaming session. h.OnStart fires once connected; h.OnEnd
// fires exactly once when the session finishes for any reason.
func (r *Recognizer) Start(ctx context.Context, h speech.RecognitionHandlers) error {
	if r.apiKey == "" {
		return fmt.Errorf("AssemblyAI API key is empty")
	}
	r.mu.Lock()
	busy := r.sess != nil
	r.mu.Unlock()
	if busy {
		return ErrAlreadyStarted
	}

	headers := http.Header{"Authorization": {r.apiKey}}
	conn, resp, err := r.Dialer.DialContext(ctx, r.streamURL(), headers)
	if err != nil {
		if resp != nil {
			log.Printf("AssemblyAI connection failed with status: %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	s := newSession(r, conn, h)
	r.mu.Lock()
	if r.sess != nil {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyStarted
	}
	r.sess = s
	r.mu.Unlock()

	go s.readLoop()
	go s.writeLoop()
	s.armNoSpeech()
	if h.OnStart != nil {
		h.OnStart()
	}
	return nil
}

// Stop terminates the running session, if any.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	s := r.sess
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	// detach now so a Start right after Stop does not race the read loop
	r.detach(s)
	s.shutdown()
	return nil
}

// SendPCM16KLE queues 16kHz little-endian mono PCM for the running session.
func (r *Recognizer) SendPCM16KLE(pcm []byte) error {
	r.mu.Lock()
	s := r.sess
	r.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	s.detectVoiceActivity(pcm)
	select {
	case <-s.stopCh:
		return ErrNotConnected
	case s.audio <- pcm:
	default:
		log.Println("Audio buffer full, dropping packet")
	}
	return nil
}

func (r *Recognizer) detach(s *session) {
	r.mu.Lock()
	if r.sess == s {
		r.sess = nil
	}
	r.mu.Unlock()
}

// session is one AssemblyAI websocket connection.
type session struct {
	r          *Recognizer
	conn       *websocket.Conn
	h          speech.RecognitionHandlers
	timing     Endpointing
	continuous bool
	audio      chan []byte

	stopCh       chan struct{}
	shutdownOnce sync.Once
	endOnce      sync.Once
	writeMu      sync.Mutex

	accMu         sync.Mutex
	latest        string
	committed     string
	lastUpdate    time.Time
	lastVoice     time.Time
	terminated    bool
	silenceTimer  *time.Timer
	noSpeechTimer *time.Timer
}

func newSession(r *Recognizer, conn *websocket.Conn, h speech.RecognitionHandlers) *session {
	now := time.Now()
	return &session{
		r:          r,
		conn:       conn,
		h:          h,
		timing:     r.Timing,
		continuous: r.cfg.Continuous,
		audio:      make(chan []byte, 1000),
		stopCh:     make(chan struct{}),
		lastUpdate: now,
		lastVoice:  now,
	}
}

func (s *session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// shutdown asks the service to terminate and closes the socket. The read
// loop then observes the closed connection and ends the session.
func (s *session) shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.stopCh)
		s.accMu.Lock()
		if s.silenceTimer != nil {
			s.silenceTimer.Stop()
		}
		if s.noSpeechTimer != nil {
			s.noSpeechTimer.Stop()
		}
		s.accMu.Unlock()
		s.writeMu.Lock()
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *session) end() {
	s.endOnce.Do(func() {
		s.shutdown()
		s.r.detach(s)
		log.Println("AssemblyAI connection closed")
		if s.h.OnEnd != nil {
			s.h.OnEnd()
		}
	})
}

func (s *session) fail(err error) {
	if s.h.OnError != nil {
		s.h.OnError(err)
	}
}

func (s *session) readLoop() {
	defer s.end()
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.accMu.Lock()
			terminated := s.terminated
			s.accMu.Unlock()
			if !s.stopped() && !terminated {
				s.fail(fmt.Errorf("assemblyai read: %w", err))
			}
			return
		}
		s.processMessage(message)
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case pcm := <-s.audio:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.BinaryMessage, pcm)
			s.writeMu.Unlock()
			if err != nil {
				log.Printf("Error sending audio data: %v", err)
				return
			}
		}
	}
}

func (s *session) armNoSpeech() {
	if s.timing.NoSpeech <= 0 {
		return
	}
	s.accMu.Lock()
	s.noSpeechTimer = time.AfterFunc(s.timing.NoSpeech, s.noSpeechElapsed)
	s.accMu.Unlock()
}

func (s *session) noSpeechElapsed() {
	if s.stopped() {
		return
	}
	s.fail(speech.ErrNoSpeech)
	s.shutdown()
}

func (s *session) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		log.Printf("Error unmarshaling message: %v", err)
		return
	}
	switch base.Type {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling Begin message: %v", err)
			return
		}
		expires := time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339)
		log.Printf("AssemblyAI session began: ID=%s, ExpiresAt=%s", msg.ID, expires)
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling Turn message: %v", err)
			return
		}
		if msg.Transcript == "" {
			return
		}
		s.accMu.Lock()
		s.latest = msg.Transcript
		s.lastUpdate = time.Now()
		if s.noSpeechTimer != nil {
			s.noSpeechTimer.Stop()
			s.noSpeechTimer = nil
		}
		s.resetSilenceLocked(s.timing.Silence)
		s.accMu.Unlock()
	case "Termination":
		var msg TerminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling Termination message: %v", err)
			return
		}
		log.Printf("AssemblyAI session terminated: AudioDuration=%.2fs, SessionDuration=%.2fs", msg.AudioDurationSeconds, msg.SessionDurationSeconds)
		s.accMu.Lock()
		s.terminated = true
		s.accMu.Unlock()
		// last words are not lost when the service ends the turn
		s.emit(s.takeDelta())
	case "Error":
		var msg ErrorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling Error message: %v", err)
			return
		}
		log.Printf("AssemblyAI error: %s", msg.Error)
		s.fail(fmt.Errorf("assemblyai: %s", msg.Error))
	default:
		log.Printf("Unknown message type: %s", base.Type)
	}
}

// resetSilenceLocked (re)arms the end-of-utterance timer. accMu must be held.
func (s *session) resetSilenceLocked(wait time.Duration) {
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	if s.silenceTimer == nil {
		s.silenceTimer = time.AfterFunc(wait, s.finalizeDueToSilence)
		return
	}
	s.silenceTimer.Stop()
	s.silenceTimer.Reset(wait)
}

func (s *session) threshold() time.Duration {
	if isContinuationLikely(s.latest) {
		return s.timing.Silence + s.timing.Continuation
	}
	return s.timing.Silence
}

// finalizeDueToSilence emits the delta since the last committed transcript
// once both text and voice have been quiet for the threshold.
func (s *session) finalizeDueToSilence() {
	if s.stopped() {
		return
	}

	s.accMu.Lock()
	now := time.Now()
	threshold := s.threshold()
	sinceText := now.Sub(s.lastUpdate)
	sinceVoice := now.Sub(s.lastVoice)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold
		if rem := threshold - sinceText; sinceText < threshold && rem < wait {
			wait = rem
		}
		if rem := threshold - sinceVoice; sinceVoice < threshold && rem < wait {
			wait = rem
		}
		s.resetSilenceLocked(wait)
		s.accMu.Unlock()
		return
	}
	lastUpdateAt := s.lastUpdate
	s.accMu.Unlock()

	time.Sleep(s.timing.Grace)

	s.accMu.Lock()
	if s.lastUpdate.After(lastUpdateAt) {
		// a late update arrived during grace
		threshold = s.threshold()
		wait := threshold
		if rem := threshold - time.Since(s.lastUpdate); rem > 10*time.Millisecond && rem < wait {
			wait = rem
		}
		s.resetSilenceLocked(wait)
		s.accMu.Unlock()
		return
	}
	s.accMu.Unlock()

	if s.stopped() {
		return
	}
	if s.emit(s.takeDelta()) && !s.continuous {
		s.shutdown()
	}
}

// takeDelta returns the uncommitted tail of the latest transcript and commits it.
func (s *session) takeDelta() string {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	latest, base := s.latest, s.committed
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	s.committed = latest
	return delta
}

func (s *session) emit(delta string) bool {
	if delta == "" {
		return false
	}
	if s.h.OnResult != nil {
		s.h.OnResult(delta)
	}
	return true
}

// detectVoiceActivity records voice energy in 16-bit little-endian 16kHz PCM.
func (s *session) detectVoiceActivity(pcm []byte) {
	if !hasVoice(pcm) {
		return
	}
	s.accMu.Lock()
	s.lastVoice = time.Now()
	s.accMu.Unlock()
}

func hasVoice(pcm []byte) bool {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return false
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return false
	}
	const voiceRMS = 250.0
	return math.Sqrt(sumSquares/float64(count)) >= voiceRMS
}

// isContinuationLikely reports whether the last word suggests the speaker will continue.
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// Coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// Subordinating conjunctions / conditionals
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// Discourse markers / fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// Prepositions that are awkward sentence endings
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
