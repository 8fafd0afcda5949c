package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress  string
	AuthPassword string

	// Remote assistant backend.
	AssistantBaseURL string
	AssistantTimeout time.Duration
	ChatPromptSuffix string
	PopupReplyDelay  time.Duration
	// Chat page conversations kept in memory.
	ChatMaxConversations int
	ChatIdleTTL          time.Duration
	PlaybackPolicy       string
	RecognitionLocale    string
	RestartDelay         time.Duration

	// Call room. Room, user and token are fixed per deployment.
	RoomID          string
	UserID          string
	RoomToken       string
	AppID           string
	AppSign         string
	SignalingURL    string
	ICEServersJSON  string
	CallStepTimeout time.Duration

	AssemblyAIKey string

	TTSProvider       string
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	BaseURL          string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, using environment only")
	}

	cfg := Config{
		HTTPAddress:  getEnv("HTTP_ADDRESS", ":8080"),
		AuthPassword: os.Getenv("AUTH_PASSWORD"),

		AssistantBaseURL:     getEnv("ASSISTANT_BASE_URL", "http://127.0.0.1:5000"),
		AssistantTimeout:     getDuration("ASSISTANT_TIMEOUT", 30*time.Second),
		ChatPromptSuffix:     getEnv("CHAT_PROMPT_SUFFIX", "\n Give me shortest possible answer"),
		PopupReplyDelay:      getDuration("POPUP_REPLY_DELAY", time.Second),
		ChatMaxConversations: getInt("CHAT_MAX_CONVERSATIONS", 1000),
		ChatIdleTTL:          getDuration("CHAT_IDLE_TTL", 30*time.Minute),
		PlaybackPolicy:       getEnv("PLAYBACK_POLICY", "replace"),
		RecognitionLocale:    getEnv("RECOGNITION_LOCALE", "en-US"),
		RestartDelay:         getDuration("RECOGNITION_RESTART_DELAY", time.Second),

		RoomID:          getEnv("ROOM_ID", "TestRoom"),
		UserID:          getEnv("USER_ID", "userID"),
		RoomToken:       os.Getenv("ROOM_TOKEN"),
		AppID:           os.Getenv("ROOM_APP_ID"),
		AppSign:         os.Getenv("ROOM_APP_SIGN"),
		SignalingURL:    os.Getenv("SIGNALING_URL"),
		ICEServersJSON:  getEnv("ICE_SERVERS_JSON", `[{"urls":["stun:stun.l.google.com:19302"]}]`),
		CallStepTimeout: getDuration("CALL_STEP_TIMEOUT", 10*time.Second),

		AssemblyAIKey: os.Getenv("ASSEMBLYAI_API_KEY"),

		TTSProvider:       getEnv("TTS_PROVIDER", "deepgram"),
		DeepgramKey:       os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:     os.Getenv("DEEPGRAM_MODEL"),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		BaseURL:          os.Getenv("BASE_URL"),

		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getEnv("SUPABASE_BUCKET", "call-archive"),
	}

	if cfg.AssemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - speech recognition unavailable, calls cannot start")
	}
	if cfg.SignalingURL == "" {
		log.Println("Warning: SIGNALING_URL not set - calls cannot join a room")
	}
	switch cfg.TTSProvider {
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			log.Println("Warning: ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - replies will not be spoken")
		}
	default:
		if cfg.DeepgramKey == "" {
			log.Println("Warning: DEEPGRAM_API_KEY not set - replies will not be spoken")
		}
	}

	log.Printf("config: HTTP_ADDRESS=%s ASSISTANT_BASE_URL=%s ROOM_ID=%s", cfg.HTTPAddress, cfg.AssistantBaseURL, cfg.RoomID)
	return cfg
}

// TwilioEnabled reports whether telephony credentials are present.
func (c Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

// ArchiveEnabled reports whether finished calls can be uploaded.
func (c Config) ArchiveEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceRoleKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDuration accepts Go durations ("1500ms") or whole seconds ("2").
func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("config: invalid %s=%q, using %s", key, raw, defaultValue)
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s=%q, using %d", key, raw, defaultValue)
		return defaultValue
	}
	return n
}
