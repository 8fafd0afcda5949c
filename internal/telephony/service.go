package telephony

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/chadiek/telecaller/internal/archive"
	"github.com/chadiek/telecaller/internal/assistant"
	"github.com/chadiek/telecaller/internal/chat"
	"github.com/chadiek/telecaller/internal/middleware"
)

const (
	notHeard = "Sorry, I didn't catch that."
	goodbye  = "I didn't hear anything, so I'll hang up now. Goodbye!"
	// consecutive empty turns before the call is hung up
	maxSilentTurns = 2
)

// ErrInvalidNumber rejects a destination that is not in E.164 form.
var ErrInvalidNumber = errors.New("telephony: phone number must be in E.164 format")

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	Language   string
	// ReplyTimeout bounds one assistant exchange; Twilio gives up on a webhook after 15s.
	ReplyTimeout time.Duration
}

// Assistant answers a caller's utterance.
type Assistant interface {
	Send(ctx context.Context, ch assistant.Channel, message string) (string, error)
}

// Archive stores phone call transcripts and recordings.
type Archive interface {
	Archive(ctx context.Context, r archive.Record) error
	Recording(ctx context.Context, recordingSID string, wav []byte) (string, error)
}

type phoneCall struct {
	from      string
	startedAt time.Time
	turns     []archive.Turn
	silent    int
}

// Service runs the speech loop over Twilio phone calls: each caller utterance
// goes to the assistant's speech channel and the reply is read back.
type Service struct {
	cfg        Config
	assistant  Assistant
	archive    Archive
	httpClient *http.Client

	createCall      func(*twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	createRecording func(callSID string, params *twilioApi.CreateCallRecordingParams) (*twilioApi.ApiV2010CallRecording, error)

	mu    sync.Mutex
	calls map[string]*phoneCall
	bg    sync.WaitGroup
}

// New returns a Service. archive may be nil, which disables recording and transcript upload.
func New(cfg Config, asst Assistant, arch Archive) *Service {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 12 * time.Second
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Service{
		cfg:             cfg,
		assistant:       asst,
		archive:         arch,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		createCall:      client.Api.CreateCall,
		createRecording: client.Api.CreateCallRecording,
		calls:           make(map[string]*phoneCall),
	}
}

// Register mounts the Twilio webhooks behind signature validation.
func (s *Service) Register(e *echo.Echo) {
	g := e.Group("/twilio", middleware.TwilioAuth(s.cfg.AuthToken, s.cfg.BaseURL))
	g.POST("/voice", s.handleVoice)
	g.POST("/speech", s.handleSpeech)
	g.POST("/status", s.handleStatus)
	g.POST("/recording-status", s.handleRecordingStatus)
}

// Dial places an outbound call that is answered by the voice webhook.
func (s *Service) Dial(ctx context.Context, r *http.Request, to string) (string, error) {
	to = strings.TrimSpace(to)
	if !e164.MatchString(to) {
		return "", ErrInvalidNumber
	}
	if s.cfg.FromNumber == "" {
		return "", errors.New("telephony: TWILIO_FROM_NUMBER not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(s.cfg.FromNumber)
	params.SetUrl(middleware.PublicURL(r, s.cfg.BaseURL, "/twilio/voice"))
	params.SetMethod("POST")
	params.SetStatusCallback(middleware.PublicURL(r, s.cfg.BaseURL, "/twilio/status"))
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent([]string{"completed"})

	call, err := s.createCall(params)
	if err != nil {
		return "", fmt.Errorf("failed to create call: %w", err)
	}
	sid := ""
	if call != nil && call.Sid != nil {
		sid = *call.Sid
	}
	log.Printf("[%s] dialing %s", sid, to)
	return sid, nil
}

// Wait blocks until background uploads finish or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) handleVoice(c echo.Context) error {
	params := middleware.Params(c)
	callSID := params["CallSid"]
	from := params["From"]
	log.Printf("[%s] call from %s", callSID, from)

	if callSID != "" {
		s.mu.Lock()
		if _, ok := s.calls[callSID]; !ok {
			s.calls[callSID] = &phoneCall{from: from, startedAt: time.Now()}
		}
		s.mu.Unlock()
		s.record(callSID, archive.RoleAssistant, chat.Greeting)
		if s.archive != nil {
			callbackURL := middleware.PublicURL(c.Request(), s.cfg.BaseURL, "/twilio/recording-status")
			s.bg.Add(1)
			go func() {
				defer s.bg.Done()
				if err := s.startRecording(callSID, callbackURL); err != nil {
					log.Printf("[%s] %v", callSID, err)
				}
			}()
		}
	}
	return s.respond(c, s.listen(chat.Greeting))
}

func (s *Service) handleSpeech(c echo.Context) error {
	params := middleware.Params(c)
	callSID := params["CallSid"]
	heard := strings.TrimSpace(params["SpeechResult"])

	if heard == "" {
		if s.silence(callSID) >= maxSilentTurns {
			log.Printf("[%s] caller silent, hanging up", callSID)
			return s.respond(c, []twiml.Element{&twiml.VoiceSay{Message: goodbye}, &twiml.VoiceHangup{}})
		}
		return s.respond(c, s.listen(notHeard))
	}

	log.Printf("[%s] heard: %q", callSID, heard)
	s.record(callSID, archive.RoleCaller, heard)

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.ReplyTimeout)
	defer cancel()
	reply, err := s.assistant.Send(ctx, assistant.ChannelSpeech, heard)
	if err != nil {
		log.Printf("[%s] assistant: %v", callSID, err)
		reply = assistant.Fallback(assistant.ChannelSpeech, err)
	}
	s.record(callSID, archive.RoleAssistant, reply)
	return s.respond(c, s.listen(reply))
}

func (s *Service) handleStatus(c echo.Context) error {
	params := middleware.Params(c)
	callSID := params["CallSid"]
	status := params["CallStatus"]
	log.Printf("[%s] call status: %s", callSID, status)

	switch status {
	case "completed", "busy", "failed", "no-answer", "canceled":
	default:
		return c.String(http.StatusOK, "OK")
	}

	s.mu.Lock()
	call, ok := s.calls[callSID]
	delete(s.calls, callSID)
	s.mu.Unlock()
	if ok && s.archive != nil {
		rec := archive.Record{
			CallID:    callSID,
			Channel:   "phone",
			StartedAt: call.startedAt,
			EndedAt:   time.Now(),
			Status:    status,
			Turns:     call.turns,
		}
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.archive.Archive(ctx, rec); err != nil {
				log.Printf("[%s] archive failed: %v", callSID, err)
			}
		}()
	}
	return c.String(http.StatusOK, "OK")
}

func (s *Service) handleRecordingStatus(c echo.Context) error {
	params := middleware.Params(c)
	status := params["RecordingStatus"]
	recordingURL := params["RecordingUrl"]
	recordingSID := params["RecordingSid"]
	log.Printf("[%s] recording status: %s, SID: %s", params["CallSid"], status, recordingSID)

	if status == "completed" && recordingURL != "" && s.archive != nil {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			key, err := s.uploadRecording(ctx, recordingURL, recordingSID)
			if err != nil {
				log.Printf("Failed to upload recording: %v", err)
				return
			}
			log.Printf("Recording uploaded: %s", key)
		}()
	}
	return c.String(http.StatusOK, "OK")
}

// listen speaks prompt, then gathers the caller's next utterance.
func (s *Service) listen(prompt string) []twiml.Element {
	return []twiml.Element{
		&twiml.VoiceGather{
			Input:         "speech",
			Action:        "/twilio/speech",
			Method:        "POST",
			SpeechTimeout: "auto",
			Language:      s.cfg.Language,
			InnerElements: []twiml.Element{&twiml.VoiceSay{Message: prompt}},
		},
		&twiml.VoiceRedirect{Url: "/twilio/speech", Method: "POST"},
	}
}

func (s *Service) respond(c echo.Context, elements []twiml.Element) error {
	response, err := twiml.Voice(elements)
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

func (s *Service) record(callSID, role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callSID]
	if !ok {
		return
	}
	call.turns = append(call.turns, archive.Turn{Role: role, Text: text, At: time.Now()})
	if role == archive.RoleCaller {
		call.silent = 0
	}
}

func (s *Service) silence(callSID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callSID]
	if !ok {
		return 0
	}
	call.silent++
	return call.silent
}

func (s *Service) startRecording(callSID, callbackURL string) error {
	params := &twilioApi.CreateCallRecordingParams{}
	params.SetRecordingStatusCallback(callbackURL)
	params.SetRecordingStatusCallbackMethod("POST")
	params.SetRecordingStatusCallbackEvent([]string{"completed"})
	params.SetRecordingChannels("mono")

	if _, err := s.createRecording(callSID, params); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	return nil
}

func (s *Service) uploadRecording(ctx context.Context, recordingURL, recordingSID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download recording failed: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read recording: %w", err)
	}
	return s.archive.Recording(ctx, recordingSID, data)
}
