package triage

import (
	"fmt"
	"time"
)

// Priority is the urgency assigned to a message by the classifier.
type Priority string

const (
	// PriorityCritical must be handled within the hour (prod outage, family emergency)
	PriorityCritical Priority = "CRITICAL"

	// PriorityHigh must be handled today (client, business)
	PriorityHigh Priority = "HIGH"

	// PriorityNormal is a standard conversation
	PriorityNormal Priority = "NORMAL"

	// PriorityLow can wait or be ignored
	PriorityLow Priority = "LOW"

	// PrioritySpam is advertising or automated noise
	PrioritySpam Priority = "SPAM"
)

// unrankedPriority sorts unanalyzed items after every known priority.
const unrankedPriority = 10

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
	PrioritySpam:     4,
}

// Priorities lists every priority in urgency order.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PrioritySpam}
}

// Valid reports whether p is one of the declared priorities.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Rank returns the sort rank of p, lower is more urgent.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return unrankedPriority
}

// ActionType is what the recipient is expected to do with a message.
type ActionType string

const (
	// ActionReplyNeeded means the sender expects an answer
	ActionReplyNeeded ActionType = "REPLY_NEEDED"

	// ActionReadOnly means the message is informational
	ActionReadOnly ActionType = "READ_ONLY"

	// ActionScheduling means a meeting or date has to be arranged
	ActionScheduling ActionType = "SCHEDULING"

	// ActionPayment means money has to be sent or checked
	ActionPayment ActionType = "PAYMENT"
)

// ActionTypes lists every action type.
func ActionTypes() []ActionType {
	return []ActionType{ActionReplyNeeded, ActionReadOnly, ActionScheduling, ActionPayment}
}

// Valid reports whether a is one of the declared action types.
func (a ActionType) Valid() bool {
	switch a {
	case ActionReplyNeeded, ActionReadOnly, ActionScheduling, ActionPayment:
		return true
	}
	return false
}

// IncomingMessage is a message fetched from a message source. Immutable once fetched.
type IncomingMessage struct {
	ID          string    `json:"id" yaml:"id"`
	Sender      string    `json:"sender" yaml:"sender"`
	SenderPhone string    `json:"sender_phone,omitempty" yaml:"sender_phone,omitempty"`
	Content     string    `json:"content" yaml:"content"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	Platform    string    `json:"platform" yaml:"platform"`
	IsGroup     bool      `json:"is_group" yaml:"is_group"`
	GroupName   string    `json:"group_name,omitempty" yaml:"group_name,omitempty"`
}

// Validate checks the fields every source must provide.
func (m *IncomingMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("message %s: timestamp is required", m.ID)
	}
	return nil
}

// Analysis is the classification attached to an item.
type Analysis struct {
	Priority       Priority   `json:"priority"`
	ActionType     ActionType `json:"action_type"`
	Summary        string     `json:"summary"`
	Reasoning      string     `json:"reasoning"`
	SuggestedReply string     `json:"suggested_reply,omitempty"`

	// Degraded is set when the analysis is a fallback rather than a model answer.
	Degraded bool `json:"degraded,omitempty"`
}

// ItemStatus tracks where a triaged item is in its lifecycle.
type ItemStatus string

const (
	// StatusPending means the item still needs attention
	StatusPending ItemStatus = "PENDING"

	// StatusDone means the item was answered
	StatusDone ItemStatus = "DONE"

	// StatusArchived means the item was dismissed
	StatusArchived ItemStatus = "ARCHIVED"
)

// Closed reports whether s is a terminal status.
func (s ItemStatus) Closed() bool {
	return s == StatusDone || s == StatusArchived
}

// Item is an incoming message with its triage state.
type Item struct {
	IncomingMessage

	Status    ItemStatus `json:"status"`
	Analysis  *Analysis  `json:"analysis,omitempty"`
	TriagedAt time.Time  `json:"triaged_at,omitzero"`
	ClosedAt  time.Time  `json:"closed_at,omitzero"`
	ReplyText string     `json:"reply_text,omitempty"`
}

// NewItem returns a pending, unanalyzed item for msg.
func NewItem(msg IncomingMessage) *Item {
	return &Item{IncomingMessage: msg, Status: StatusPending}
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	cp := *it
	if it.Analysis != nil {
		a := *it.Analysis
		cp.Analysis = &a
	}
	return &cp
}

// ChatMessage is one message of a conversation thread.
type ChatMessage struct {
	ID        string    `json:"id" yaml:"id"`
	Sender    string    `json:"sender" yaml:"sender"`
	FromMe    bool      `json:"from_me" yaml:"from_me"`
	Content   string    `json:"content" yaml:"content"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Status    string    `json:"status,omitempty" yaml:"status,omitempty"`
}

// Chat is a conversation thread.
type Chat struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	IsGroup         bool          `json:"is_group"`
	UnreadCount     int           `json:"unread_count"`
	LastMessage     string        `json:"last_message"`
	LastMessageTime time.Time     `json:"last_message_time"`
	Messages        []ChatMessage `json:"messages"`
}

// AlertSeverity grades an emergency found in a conversation.
type AlertSeverity string

const (
	// SeverityCritical is an emergency that needs attention right away
	SeverityCritical AlertSeverity = "critical"

	// SeverityHigh is serious but can wait for the next check
	SeverityHigh AlertSeverity = "high"
)

// Alert is an emergency detected in the recent messages of a chat.
type Alert struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chat_id"`
	ChatName  string        `json:"chat_name"`
	Severity  AlertSeverity `json:"severity"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
}
