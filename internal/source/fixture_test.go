package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func instant(recorded *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*recorded = append(*recorded, d)
		return ctx.Err()
	}
}

func TestLoadFixture_Demo(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	f, err := LoadFixture("", WithSleep(instant(&waits)), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}

	msgs, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 11 {
		t.Fatalf("messages = %d, want 11", len(msgs))
	}
	if msgs[0].ID != "msg_001" || msgs[10].ID != "msg_old_02" {
		t.Errorf("order = %s..%s", msgs[0].ID, msgs[10].ID)
	}
	if !msgs[0].Timestamp.Equal(testNow.Add(-5 * time.Minute)) {
		t.Errorf("timestamp = %v, want 5 minutes ago", msgs[0].Timestamp)
	}
	if msgs[0].Platform != "whatsapp" {
		t.Errorf("platform = %q", msgs[0].Platform)
	}
	if !msgs[2].IsGroup || msgs[2].GroupName != "Dupont Family" {
		t.Errorf("group message = %+v", msgs[2])
	}
	if len(waits) != 1 || waits[0] != DefaultLatency {
		t.Errorf("waits = %v, want [%v]", waits, DefaultLatency)
	}

	chats, err := f.Chats(context.Background())
	if err != nil {
		t.Fatalf("Chats: %v", err)
	}
	if len(chats) != 4 {
		t.Fatalf("chats = %d, want 4", len(chats))
	}
	c := chats[3]
	if c.LastMessage != "SERVER DOWN" || !c.LastMessageTime.Equal(testNow.Add(-2*time.Minute)) {
		t.Errorf("last message = %q at %v", c.LastMessage, c.LastMessageTime)
	}
	if c.Messages[0].ID != "4-1" {
		t.Errorf("generated id = %q, want 4-1", c.Messages[0].ID)
	}
	if !chats[0].Messages[2].FromMe {
		t.Error("expected an outgoing message")
	}
}

func TestFetch_Canceled(t *testing.T) {
	t.Parallel()

	f, err := LoadFixture("")
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewFixture_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"bad yaml", "messages: [oops"},
		{"missing id", "messages:\n  - sender: a\n"},
		{"duplicate id", "messages:\n  - id: a\n  - id: a\n"},
		{"chat without id", "chats:\n  - name: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewFixture([]byte(tt.raw)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFixture_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data.yaml")
	raw := "messages:\n  - id: x1\n    sender: Zoe\n    content: hi\n    minutes_ago: 1440\n    platform: telegram\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	var waits []time.Duration
	f, err := LoadFixture(path, WithLatency(0), WithSleep(instant(&waits)), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	msgs, _ := f.Fetch(context.Background())
	if len(msgs) != 1 || msgs[0].Platform != "telegram" {
		t.Fatalf("messages = %+v", msgs)
	}
	if !msgs[0].Timestamp.Equal(testNow.Add(-24 * time.Hour)) {
		t.Errorf("timestamp = %v", msgs[0].Timestamp)
	}

	if _, err := LoadFixture(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
