package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/telecaller/internal/agent"
	"github.com/chadiek/telecaller/internal/archive"
	"github.com/chadiek/telecaller/internal/assistant"
	"github.com/chadiek/telecaller/internal/callsession"
	"github.com/chadiek/telecaller/internal/chat"
	"github.com/chadiek/telecaller/internal/config"
	httpserver "github.com/chadiek/telecaller/internal/httpserver"
	"github.com/chadiek/telecaller/internal/rtc"
	"github.com/chadiek/telecaller/internal/speech"
	"github.com/chadiek/telecaller/internal/telephony"
	"github.com/chadiek/telecaller/internal/transcript"
	"github.com/chadiek/telecaller/internal/tts"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	client := assistant.NewClient(cfg.AssistantBaseURL, cfg.AssistantTimeout)

	var archiver *archive.Archiver
	if cfg.ArchiveEnabled() {
		storage, err := archive.NewSupabaseStorage(archive.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			log.Printf("call archive disabled: %v", err)
		} else {
			archiver = archive.New(storage)
		}
	}

	streamer, err := tts.New(cfg.TTSProvider, cfg.DeepgramKey, cfg.DeepgramModel, cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	if err != nil {
		log.Printf("speech output disabled: %v", err)
	}

	hub := httpserver.NewHub()
	deps := agent.Deps{
		Media:     newMediaFactory(cfg, streamer),
		Assistant: client,
		NewPopup: func() *chat.Conversation {
			return chat.NewConversation(client.Bind(assistant.ChannelPopup, ""), chat.Options{ReplyDelay: cfg.PopupReplyDelay})
		},
		Sink: hub,
	}
	if archiver != nil {
		deps.Archiver = archiver
	}
	controller := agent.NewController(agent.Config{
		Room: callsession.Config{
			RoomID:      cfg.RoomID,
			UserID:      cfg.UserID,
			Token:       cfg.RoomToken,
			StepTimeout: cfg.CallStepTimeout,
		},
		RestartDelay: cfg.RestartDelay,
		Policy:       speech.ParsePlaybackPolicy(cfg.PlaybackPolicy),
		ReplyTimeout: cfg.AssistantTimeout,
	}, deps)

	chats := chat.NewRegistry(
		client.Bind(assistant.ChannelChat, cfg.ChatPromptSuffix),
		chat.Options{RejectWhileLoading: true},
		chat.Limits{MaxConversations: cfg.ChatMaxConversations, IdleTTL: cfg.ChatIdleTTL},
	)

	var phone *telephony.Service
	if cfg.TwilioEnabled() {
		var arch telephony.Archive
		if archiver != nil {
			arch = archiver
		}
		phone = telephony.New(telephony.Config{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
			BaseURL:    cfg.BaseURL,
			Language:   cfg.RecognitionLocale,
		}, client, arch)
	}

	srv := httpserver.New(httpserver.Options{
		Password:  cfg.AuthPassword,
		Call:      controller,
		Chats:     chats,
		Hub:       hub,
		Telephony: phone,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := controller.Close(ctx); err != nil {
		log.Printf("call shutdown: %v", err)
	}
	if phone != nil {
		if err := phone.Wait(ctx); err != nil {
			log.Printf("telephony uploads unfinished: %v", err)
		}
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}

// newMediaFactory builds a room engine, a recognizer fed by the room's
// remote audio and a synthesizer that plays into the published stream.
func newMediaFactory(cfg config.Config, streamer tts.Streamer) agent.MediaFactory {
	iceServers := rtc.ParseICEServers(cfg.ICEServersJSON)
	return func() (agent.Media, error) {
		if cfg.AssemblyAIKey == "" {
			return agent.Media{}, nil
		}
		recognizer := transcript.NewRecognizer(cfg.AssemblyAIKey, speech.DefaultRecognitionConfig(cfg.RecognitionLocale))
		engine := rtc.NewEngine(rtc.Options{
			SignalingURL: cfg.SignalingURL,
			AppID:        cfg.AppID,
			AppSign:      cfg.AppSign,
			ICEServers:   iceServers,
			OnRemotePCM: func(pcm []byte) {
				if err := recognizer.SendPCM16KLE(pcm); err != nil && !errors.Is(err, transcript.ErrNotConnected) {
					log.Printf("forward room audio: %v", err)
				}
			},
		})
		media := agent.Media{Engine: engine, Recognizer: recognizer}
		if streamer != nil {
			media.Synthesizer = func(out callsession.LocalStream) speech.Synthesizer {
				return tts.NewSynthesizer(streamer, out)
			}
		}
		return media, nil
	}
}
