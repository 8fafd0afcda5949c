package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
)

// Turn is one side of a spoken exchange.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

const (
	RoleCaller    = "caller"
	RoleAssistant = "assistant"
)

// Record is the archived form of a finished call.
type Record struct {
	CallID    string    `json:"call_id"`
	Channel   string    `json:"channel"`
	RoomID    string    `json:"room_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Status    string    `json:"status"`
	Turns     []Turn    `json:"turns"`
}

// Archiver writes call records and recordings to a Storage.
type Archiver struct {
	storage Storage
}

func New(storage Storage) *Archiver {
	return &Archiver{storage: storage}
}

// RecordKey is calls/<yyyy-mm-dd>/<call id>.json, dated by the call start.
func RecordKey(r Record) string {
	return fmt.Sprintf("calls/%s/%s.json", r.StartedAt.UTC().Format("2006-01-02"), r.CallID)
}

// RecordingKey names an uploaded telephony recording.
func RecordingKey(recordingSID string, at time.Time) string {
	return fmt.Sprintf("recordings/recording_%s_%d.wav", recordingSID, at.Unix())
}

// Archive uploads r as JSON. Records without a call id are rejected.
func (a *Archiver) Archive(ctx context.Context, r Record) error {
	if r.CallID == "" {
		return errors.New("archive: call id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Turns == nil {
		r.Turns = []Turn{}
	}
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode record: %w", err)
	}
	key := RecordKey(r)
	if err := a.storage.Upload(key, "application/json", body); err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	log.Printf("[%s] archived %d turns to %s", r.CallID, len(r.Turns), key)
	return nil
}

// Recording uploads a WAV recording and returns its key.
func (a *Archiver) Recording(ctx context.Context, recordingSID string, wav []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := RecordingKey(recordingSID, time.Now())
	if err := a.storage.Upload(key, "audio/wav", wav); err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	return key, nil
}
