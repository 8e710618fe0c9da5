// Package source supplies incoming messages and conversation threads to the triage
// service: a YAML dataset for demos and an Apify dataset client for scraped messages.
package source

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/whatspilot/internal/triage"
)

// DefaultLatency is the simulated network delay of a fixture fetch.
const DefaultLatency = 800 * time.Millisecond

//go:embed demo.yaml
var demoDataset []byte

type dataset struct {
	Messages []fixtureMessage `yaml:"messages"`
	Chats    []fixtureChat    `yaml:"chats"`
}

type fixtureMessage struct {
	ID          string `yaml:"id"`
	Sender      string `yaml:"sender"`
	SenderPhone string `yaml:"sender_phone"`
	Content     string `yaml:"content"`
	Platform    string `yaml:"platform"`
	IsGroup     bool   `yaml:"is_group"`
	GroupName   string `yaml:"group_name"`
	MinutesAgo  int    `yaml:"minutes_ago"`
}

type fixtureChat struct {
	ID          string               `yaml:"id"`
	Name        string               `yaml:"name"`
	IsGroup     bool                 `yaml:"is_group"`
	UnreadCount int                  `yaml:"unread_count"`
	Messages    []fixtureChatMessage `yaml:"messages"`
}

type fixtureChatMessage struct {
	ID         string `yaml:"id"`
	Sender     string `yaml:"sender"`
	FromMe     bool   `yaml:"from_me"`
	Content    string `yaml:"content"`
	Status     string `yaml:"status"`
	MinutesAgo int    `yaml:"minutes_ago"`
}

// Fixture serves a static dataset. Timestamps are resolved against the clock on every
// call so the data always looks fresh.
type Fixture struct {
	data    dataset
	latency time.Duration
	sleep   triage.SleepFunc
	now     func() time.Time
}

// Option customises a Fixture.
type Option func(*Fixture)

// WithLatency overrides the simulated fetch delay.
func WithLatency(d time.Duration) Option {
	return func(f *Fixture) { f.latency = d }
}

// WithSleep replaces the wait used to simulate latency.
func WithSleep(fn triage.SleepFunc) Option {
	return func(f *Fixture) { f.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(f *Fixture) { f.now = fn }
}

// NewFixture parses a YAML dataset.
func NewFixture(raw []byte, opts ...Option) (*Fixture, error) {
	var data dataset
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	seen := make(map[string]struct{}, len(data.Messages))
	for i, m := range data.Messages {
		if m.ID == "" {
			return nil, fmt.Errorf("message %d: id is required", i)
		}
		if _, dup := seen[m.ID]; dup {
			return nil, fmt.Errorf("message %d: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	for i, c := range data.Chats {
		if c.ID == "" {
			return nil, fmt.Errorf("chat %d: id is required", i)
		}
	}

	f := &Fixture{
		data:    data,
		latency: DefaultLatency,
		sleep:   triage.Sleep,
		now:     time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// LoadFixture reads a YAML dataset from path. An empty path selects the built-in demo data.
func LoadFixture(path string, opts ...Option) (*Fixture, error) {
	if path == "" {
		return NewFixture(demoDataset, opts...)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return NewFixture(raw, opts...)
}

// Fetch returns the message batch in dataset order after the simulated latency.
func (f *Fixture) Fetch(ctx context.Context) ([]triage.IncomingMessage, error) {
	if err := f.sleep(ctx, f.latency); err != nil {
		return nil, err
	}

	now := f.now()
	out := make([]triage.IncomingMessage, 0, len(f.data.Messages))
	for _, m := range f.data.Messages {
		platform := m.Platform
		if platform == "" {
			platform = "whatsapp"
		}
		out = append(out, triage.IncomingMessage{
			ID:          m.ID,
			Sender:      m.Sender,
			SenderPhone: m.SenderPhone,
			Content:     m.Content,
			Timestamp:   minutesAgo(now, m.MinutesAgo),
			Platform:    platform,
			IsGroup:     m.IsGroup,
			GroupName:   m.GroupName,
		})
	}
	return out, nil
}

// Chats returns the conversation threads. The last message and its time are derived
// from the thread.
func (f *Fixture) Chats(_ context.Context) ([]triage.Chat, error) {
	now := f.now()
	out := make([]triage.Chat, 0, len(f.data.Chats))
	for _, c := range f.data.Chats {
		chat := triage.Chat{
			ID:          c.ID,
			Name:        c.Name,
			IsGroup:     c.IsGroup,
			UnreadCount: c.UnreadCount,
			Messages:    make([]triage.ChatMessage, 0, len(c.Messages)),
		}
		for i, m := range c.Messages {
			id := m.ID
			if id == "" {
				id = c.ID + "-" + strconv.Itoa(i+1)
			}
			chat.Messages = append(chat.Messages, triage.ChatMessage{
				ID:        id,
				Sender:    m.Sender,
				FromMe:    m.FromMe,
				Content:   m.Content,
				Timestamp: minutesAgo(now, m.MinutesAgo),
				Status:    m.Status,
			})
		}
		if n := len(chat.Messages); n > 0 {
			chat.LastMessage = chat.Messages[n-1].Content
			chat.LastMessageTime = chat.Messages[n-1].Timestamp
		}
		out = append(out, chat)
	}
	return out, nil
}

func minutesAgo(now time.Time, m int) time.Time {
	return now.Add(-time.Duration(m) * time.Minute)
}
