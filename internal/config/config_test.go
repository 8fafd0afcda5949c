package config

import (
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("ICE_SERVERS_JSON", "")
	t.Setenv("ROOM_ID", "")
	t.Setenv("RECOGNITION_RESTART_DELAY", "")
	cfg := Load()
	if cfg.HTTPAddress != ":8080" {
		t.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if cfg.ICEServersJSON == "" {
		t.Fatalf("expected default ice servers json")
	}
	if cfg.RoomID != "TestRoom" || cfg.UserID == "" {
		t.Fatalf("expected default room and user, got %q/%q", cfg.RoomID, cfg.UserID)
	}
	if cfg.RestartDelay != time.Second {
		t.Fatalf("expected 1s restart delay, got %s", cfg.RestartDelay)
	}
	if cfg.RecognitionLocale != "en-US" {
		t.Fatalf("expected en-US locale, got %q", cfg.RecognitionLocale)
	}
}

func TestLoad_Durations(t *testing.T) {
	t.Setenv("ASSISTANT_TIMEOUT", "1500ms")
	t.Setenv("CALL_STEP_TIMEOUT", "3")
	t.Setenv("POPUP_REPLY_DELAY", "soon")
	cfg := Load()
	if cfg.AssistantTimeout != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s", cfg.AssistantTimeout)
	}
	if cfg.CallStepTimeout != 3*time.Second {
		t.Fatalf("expected 3s, got %s", cfg.CallStepTimeout)
	}
	if cfg.PopupReplyDelay != time.Second {
		t.Fatalf("expected fallback to default on invalid value, got %s", cfg.PopupReplyDelay)
	}
}

func TestConfig_Enabled(t *testing.T) {
	var cfg Config
	if cfg.TwilioEnabled() || cfg.ArchiveEnabled() {
		t.Fatalf("expected integrations disabled on empty config")
	}
	cfg.TwilioAccountSID, cfg.TwilioAuthToken = "AC1", "tok"
	cfg.SupabaseURL, cfg.SupabaseServiceRoleKey = "https://x.supabase.co", "key"
	if !cfg.TwilioEnabled() || !cfg.ArchiveEnabled() {
		t.Fatalf("expected integrations enabled")
	}
}

func TestLoad_ChatLimits(t *testing.T) {
	t.Setenv("CHAT_MAX_CONVERSATIONS", "50")
	t.Setenv("CHAT_IDLE_TTL", "10m")
	cfg := Load()
	if cfg.ChatMaxConversations != 50 || cfg.ChatIdleTTL != 10*time.Minute {
		t.Fatalf("unexpected chat limits %d/%s", cfg.ChatMaxConversations, cfg.ChatIdleTTL)
	}
	t.Setenv("CHAT_MAX_CONVERSATIONS", "-3")
	if cfg := Load(); cfg.ChatMaxConversations != 1000 {
		t.Fatalf("expected default on invalid cap, got %d", cfg.ChatMaxConversations)
	}
}
