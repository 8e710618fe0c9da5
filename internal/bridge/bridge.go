// Package bridge keeps a websocket connection to the WhatsApp scraper bridge. It tracks the
// bridge status, its log stream and the pairing QR code, and forwards live messages.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/whatspilot/internal/triage"
)

// Status is the scraper connection state reported by the bridge.
type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusWaitingQR    Status = "WAITING_QR"
	StatusConnected    Status = "CONNECTED"
)

func parseStatus(s string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusConnected:
		return StatusConnected
	case StatusWaitingQR:
		return StatusWaitingQR
	case StatusConnecting:
		return StatusConnecting
	}
	return StatusDisconnected
}

const (
	// MaxLogEntries bounds the retained bridge log.
	MaxLogEntries = 100

	// ReconnectMin and ReconnectMax bound the reconnect backoff.
	ReconnectMin = 1 * time.Second
	ReconnectMax = 5 * time.Second

	dialTimeout = 20 * time.Second
)

// LogEntry is one line of the bridge log.
type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Callbacks receive bridge events. Nil fields are skipped. They are called from the
// connection goroutine and must not block for long.
type Callbacks struct {
	OnStatusChange func(Status)
	OnLog          func(LogEntry)
	OnQRCode       func(string)
	OnMessage      func(context.Context, triage.IncomingMessage)
}

// Snapshot is the observable state of the bridge connection.
type Snapshot struct {
	URL        string     `json:"url"`
	Status     Status     `json:"status"`
	QRCode     string     `json:"qr_code,omitempty"`
	Logs       []LogEntry `json:"logs"`
	Reconnects int        `json:"reconnects"`
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type frameMessage struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	SenderPhone string    `json:"senderPhone"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	IsGroup     bool      `json:"isGroup"`
	GroupName   string    `json:"groupName"`
}

// Manager owns the bridge connection. Create it with New and drive it with Run.
type Manager struct {
	url        string
	cb         Callbacks
	logger     log.Logger
	dialer     *websocket.Dialer
	policy     *bluemonday.Policy
	newBackoff func() backoff.BackOff
	sleep      triage.SleepFunc
	now        func() time.Time

	mu         sync.Mutex
	status     Status
	qr         string
	logs       []LogEntry
	reconnects int
}

// Option customises a Manager.
type Option func(*Manager)

// WithBackoff replaces the reconnect backoff factory.
func WithBackoff(fn func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackoff = fn }
}

// WithSleep replaces the wait between reconnect attempts.
func WithSleep(fn triage.SleepFunc) Option {
	return func(m *Manager) { m.sleep = fn }
}

// New creates a Manager for the bridge at url (ws:// or wss://).
func New(url string, cb Callbacks, logger log.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	m := &Manager{
		url:    url,
		cb:     cb,
		logger: logger.With("bridge_url", url),
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
		},
		policy:     bluemonday.StrictPolicy(),
		newBackoff: defaultBackoff,
		sleep:      triage.Sleep,
		now:        time.Now,
		status:     StatusDisconnected,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ReconnectMin
	b.MaxInterval = ReconnectMax
	return b
}

// Run connects to the bridge and reconnects forever until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	bo := m.newBackoff()
	for {
		m.setStatus(StatusConnecting)

		connected, err := m.session(ctx)
		if ctx.Err() != nil {
			m.setStatus(StatusDisconnected)
			return ctx.Err()
		}
		m.setStatus(StatusDisconnected)

		if connected {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("bridge: giving up: %w", err)
		}
		m.logger.Warn(ctx, "bridge connection lost, reconnecting", "error", errString(err), "wait", wait.String())

		if err := m.sleep(ctx, wait); err != nil {
			return err
		}
		m.mu.Lock()
		m.reconnects++
		m.mu.Unlock()
	}
}

// session runs one connection until it fails. connected reports whether the dial succeeded.
func (m *Manager) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	m.logger.Info(ctx, "bridge connected")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if err := m.handleFrame(ctx, raw); err != nil {
			m.logger.Warn(ctx, "dropping bridge frame", "error", err.Error())
		}
	}
}

func (m *Manager) handleFrame(ctx context.Context, raw []byte) error {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch f.Event {
	case "status":
		var s string
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		m.setStatus(parseStatus(s))

	case "log":
		var l struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(f.Data, &l); err != nil {
			return fmt.Errorf("decode log: %w", err)
		}
		m.appendLog(l.Level, l.Message)

	case "qr_code":
		var qr string
		if err := json.Unmarshal(f.Data, &qr); err != nil {
			return fmt.Errorf("decode qr code: %w", err)
		}
		m.mu.Lock()
		m.qr = qr
		m.mu.Unlock()
		m.setStatus(StatusWaitingQR)
		if m.cb.OnQRCode != nil {
			m.cb.OnQRCode(qr)
		}

	case "message_received":
		var fm frameMessage
		if err := json.Unmarshal(f.Data, &fm); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		msg := m.toMessage(fm)
		if msg.Content == "" {
			return errors.New("message without text content")
		}
		if m.cb.OnMessage != nil {
			m.cb.OnMessage(ctx, msg)
		}

	default:
		return fmt.Errorf("unknown event %q", f.Event)
	}
	return nil
}

func (m *Manager) toMessage(fm frameMessage) triage.IncomingMessage {
	id := strings.TrimSpace(fm.ID)
	if id == "" {
		id = uuid.NewString()
	}
	ts := fm.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}
	return triage.IncomingMessage{
		ID:          id,
		Sender:      m.plain(fm.Sender),
		SenderPhone: m.plain(fm.SenderPhone),
		Content:     m.plain(fm.Content),
		Timestamp:   ts,
		Platform:    "whatsapp",
		IsGroup:     fm.IsGroup,
		GroupName:   m.plain(fm.GroupName),
	}
}

// plain strips markup from scraped text.
func (m *Manager) plain(s string) string {
	return strings.TrimSpace(html.UnescapeString(m.policy.Sanitize(s)))
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	m.mu.Unlock()

	if changed && m.cb.OnStatusChange != nil {
		m.cb.OnStatusChange(s)
	}
}

func (m *Manager) appendLog(level, message string) {
	if level == "" {
		level = "info"
	}
	if message == "" {
		message = "log received"
	}
	e := LogEntry{
		ID:        uuid.NewString(),
		Timestamp: m.now(),
		Level:     level,
		Message:   message,
	}

	m.mu.Lock()
	m.logs = append(m.logs, e)
	if over := len(m.logs) - MaxLogEntries; over > 0 {
		m.logs = append(m.logs[:0:0], m.logs[over:]...)
	}
	m.mu.Unlock()

	if m.cb.OnLog != nil {
		m.cb.OnLog(e)
	}
}

// Snapshot returns the current state, logs oldest first.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		URL:        m.url,
		Status:     m.status,
		QRCode:     m.qr,
		Logs:       append([]LogEntry(nil), m.logs...),
		Reconnects: m.reconnects,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
