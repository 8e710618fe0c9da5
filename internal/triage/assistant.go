package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const (
	ResponseTokens = 1024

	// SmartReplyContext is how many trailing messages feed the smart-reply prompt.
	SmartReplyContext = 10

	// AlertScanContext is how many trailing messages the alert scan looks at.
	AlertScanContext = 5

	// MaxSmartReplies caps the suggestions returned for a chat.
	MaxSmartReplies = 3

	// ChatScanDelay spaces alert scans of consecutive chats.
	ChatScanDelay = 1 * time.Second
)

// Canned results used without credentials or when a call cannot complete.
const (
	demoReasoning       = "demo mode (no API key configured)"
	demoSuggestedReply  = "Got it, I'll take a look."
	unavailableSummary  = "analysis unavailable"
	summaryDemo         = "Summary unavailable (missing API key)."
	summaryEmpty        = "Unable to generate a summary."
	summaryFailed       = "Error while generating the summary."
	fallbackReasonQuota = "API or quota error: "
)

var (
	smartRepliesDemo     = []string{"Ok", "Got it", "I'll get back to you"}
	smartRepliesFallback = []string{"Thanks", "Ok", "I'll look into it"}
)

// Assistant wraps every AI call of the triage subsystem: message classification and the
// conversation helpers. A nil provider puts it in demo mode.
type Assistant struct {
	provider Provider
	logger   log.Logger
	hooks    EngineHooks
	sleep    SleepFunc
	now      func() time.Time
	tracer   trace.Tracer

	classifyRetry RetryPolicy
	alertRetry    RetryPolicy
	chatDelay     time.Duration
}

// AssistantOption customises an Assistant.
type AssistantOption func(*Assistant)

// WithSleep replaces the wait used for retries and chat spacing.
func WithSleep(fn SleepFunc) AssistantOption {
	return func(a *Assistant) { a.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) AssistantOption {
	return func(a *Assistant) { a.now = fn }
}

// WithRetryDelays overrides the classification and alert-scan retry delays.
func WithRetryDelays(classify, alert time.Duration) AssistantOption {
	return func(a *Assistant) {
		a.classifyRetry.Delay = classify
		a.alertRetry.Delay = alert
	}
}

// WithChatScanDelay overrides the spacing between alert scans of consecutive chats.
func WithChatScanDelay(d time.Duration) AssistantOption {
	return func(a *Assistant) { a.chatDelay = d }
}

// NewAssistant creates an Assistant. provider may be nil (demo mode).
func NewAssistant(provider Provider, logger log.Logger, hooks EngineHooks, opts ...AssistantOption) *Assistant {
	if logger == nil {
		logger = log.Nop()
	}
	a := &Assistant{
		provider:      provider,
		logger:        logger,
		hooks:         hooks,
		sleep:         Sleep,
		now:           time.Now,
		tracer:        otel.Tracer("github.com/linnemanlabs/whatspilot/internal/triage"),
		classifyRetry: RetryPolicy{MaxRetries: DefaultMaxRetries, Delay: ClassifyRetryDelay},
		alertRetry:    RetryPolicy{MaxRetries: DefaultMaxRetries, Delay: AlertRetryDelay},
		chatDelay:     ChatScanDelay,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// DemoMode reports whether no provider is configured.
func (a *Assistant) DemoMode() bool { return a.provider == nil }

// Classify returns the analysis for msg. It never fails: quota errors are retried per the
// classification policy, every other failure yields a degraded analysis.
func (a *Assistant) Classify(ctx context.Context, msg *IncomingMessage) Analysis {
	if a.provider == nil {
		a.fallback("classify", "demo")
		return Analysis{
			Priority:       PriorityNormal,
			ActionType:     ActionReplyNeeded,
			Summary:        msg.Content,
			Reasoning:      demoReasoning,
			SuggestedReply: demoSuggestedReply,
			Degraded:       true,
		}
	}

	ctx, span := a.tracer.Start(ctx, "triage.classify", trace.WithAttributes(
		attribute.String("whatspilot.message.id", msg.ID),
		attribute.Bool("whatspilot.message.group", msg.IsGroup),
	))
	defer span.End()

	L := a.logger.With("message_id", msg.ID, "sender", msg.Sender)

	an, err := withQuotaRetry(ctx, a.sleep, a.classifyRetry, a.retryNotice(ctx, L, "classify"),
		func(ctx context.Context) (Analysis, error) {
			text, err := a.call(ctx, "classify", &LLMRequest{
				MaxTokens: ResponseTokens,
				System:    classifySystemPrompt,
				Prompt:    buildClassifyPrompt(msg),
				JSON:      true,
			})
			if err != nil {
				return Analysis{}, err
			}
			return parseAnalysis(text)
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "classification failed, using fallback")
		a.fallback("classify", fallbackKind(err))
		return Analysis{
			Priority:   PriorityNormal,
			ActionType: ActionReplyNeeded,
			Summary:    unavailableSummary,
			Reasoning:  fallbackReasonQuota + err.Error(),
			Degraded:   true,
		}
	}

	span.SetAttributes(
		attribute.String("whatspilot.analysis.priority", string(an.Priority)),
		attribute.String("whatspilot.analysis.action", string(an.ActionType)),
	)
	return an
}

// Summarize condenses a conversation into prose. It never fails.
func (a *Assistant) Summarize(ctx context.Context, messages []ChatMessage) string {
	if a.provider == nil {
		a.fallback("summarize", "demo")
		return summaryDemo
	}

	ctx, span := a.tracer.Start(ctx, "triage.summarize", trace.WithAttributes(
		attribute.Int("whatspilot.chat.messages", len(messages)),
	))
	defer span.End()

	text, err := withQuotaRetry(ctx, a.sleep, a.classifyRetry, a.retryNotice(ctx, a.logger, "summarize"),
		func(ctx context.Context) (string, error) {
			return a.call(ctx, "summarize", &LLMRequest{
				MaxTokens: ResponseTokens,
				System:    summarySystemPrompt,
				Prompt:    "Conversation:\n" + transcript(messages),
			})
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Error(ctx, err, "summary failed, using fallback")
		a.fallback("summarize", fallbackKind(err))
		return summaryFailed
	}
	if strings.TrimSpace(text) == "" {
		return summaryEmpty
	}
	return strings.TrimSpace(text)
}

// SmartReplies suggests up to MaxSmartReplies short answers to the last message of chat.
// It never fails.
func (a *Assistant) SmartReplies(ctx context.Context, chat *Chat) []string {
	if a.provider == nil {
		a.fallback("smart_reply", "demo")
		return append([]string(nil), smartRepliesDemo...)
	}

	ctx, span := a.tracer.Start(ctx, "triage.smart_replies", trace.WithAttributes(
		attribute.String("whatspilot.chat.id", chat.ID),
	))
	defer span.End()

	L := a.logger.With("chat_id", chat.ID)

	replies, err := withQuotaRetry(ctx, a.sleep, a.classifyRetry, a.retryNotice(ctx, L, "smart_reply"),
		func(ctx context.Context) ([]string, error) {
			text, err := a.call(ctx, "smart_reply", &LLMRequest{
				MaxTokens: ResponseTokens,
				System:    smartReplySystemPrompt,
				Prompt:    "Context:\n" + transcript(lastMessages(chat.Messages, SmartReplyContext)),
				JSON:      true,
			})
			if err != nil {
				return nil, err
			}
			return parseReplies(text)
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "smart reply failed, using fallback")
		a.fallback("smart_reply", fallbackKind(err))
		return append([]string(nil), smartRepliesFallback...)
	}
	return replies
}

// ScanAlert looks for an emergency in the last messages of chat and returns an Alert when
// one qualifies. It returns nil when nothing qualifies or the scan cannot complete.
func (a *Assistant) ScanAlert(ctx context.Context, chat *Chat) *Alert {
	if a.provider == nil {
		a.fallback("alert_scan", "demo")
		return nil
	}

	recent := lastMessages(chat.Messages, AlertScanContext)
	if len(recent) == 0 {
		return nil
	}

	ctx, span := a.tracer.Start(ctx, "triage.alert_scan", trace.WithAttributes(
		attribute.String("whatspilot.chat.id", chat.ID),
	))
	defer span.End()

	L := a.logger.With("chat_id", chat.ID)

	verdict, err := withQuotaRetry(ctx, a.sleep, a.alertRetry, a.retryNotice(ctx, L, "alert_scan"),
		func(ctx context.Context) (alertVerdict, error) {
			text, err := a.call(ctx, "alert_scan", &LLMRequest{
				MaxTokens: ResponseTokens,
				System:    alertSystemPrompt,
				Prompt:    "Conversation:\n" + transcript(recent),
				JSON:      true,
			})
			if err != nil {
				return alertVerdict{}, err
			}
			return parseAlertVerdict(text)
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "alert scan failed")
		a.fallback("alert_scan", fallbackKind(err))
		return nil
	}

	if !verdict.IsUrgent || verdict.Reason == "" {
		return nil
	}

	sev := AlertSeverity(verdict.Severity)
	if sev != SeverityCritical && sev != SeverityHigh {
		sev = SeverityHigh
	}
	if a.hooks.OnAlert != nil {
		a.hooks.OnAlert(sev)
	}
	span.SetAttributes(attribute.String("whatspilot.alert.severity", string(sev)))

	return &Alert{
		ID:        ulid.Make().String(),
		ChatID:    chat.ID,
		ChatName:  chat.Name,
		Severity:  sev,
		Reason:    verdict.Reason,
		Timestamp: a.now(),
	}
}

// ScanAlerts scans chats one after another, waiting ChatScanDelay between consecutive chats.
func (a *Assistant) ScanAlerts(ctx context.Context, chats []Chat) []Alert {
	var alerts []Alert
	for i := range chats {
		if al := a.ScanAlert(ctx, &chats[i]); al != nil {
			alerts = append(alerts, *al)
		}
		if i < len(chats)-1 {
			if err := a.sleep(ctx, a.chatDelay); err != nil {
				a.logger.Warn(ctx, "alert scan interrupted", "scanned", i+1, "chats", len(chats))
				break
			}
		}
	}
	return alerts
}

// call sends one request and reports it to the hooks.
func (a *Assistant) call(ctx context.Context, op string, req *LLMRequest) (string, error) {
	start := time.Now()
	resp, err := a.provider.Send(ctx, req)
	dur := time.Since(start).Seconds()
	if err != nil {
		if a.hooks.OnLLMCall != nil {
			a.hooks.OnLLMCall(op, 0, 0, dur, true)
		}
		return "", err
	}
	if a.hooks.OnLLMCall != nil {
		a.hooks.OnLLMCall(op, resp.Usage.InputTokens, resp.Usage.OutputTokens, dur, false)
	}
	return resp.Text, nil
}

func (a *Assistant) retryNotice(ctx context.Context, L log.Logger, op string) func(int, error) {
	return func(attempt int, err error) {
		L.Warn(ctx, "quota exceeded, retrying",
			"op", op,
			"attempt", attempt,
			"error", err.Error(),
		)
		if a.hooks.OnRetry != nil {
			a.hooks.OnRetry(op)
		}
	}
}

func (a *Assistant) fallback(op, kind string) {
	if a.hooks.OnFallback != nil {
		a.hooks.OnFallback(op, kind)
	}
}

func fallbackKind(err error) string {
	switch {
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case IsQuotaError(err):
		return "quota"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}

func transcript(messages []ChatMessage) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, m.Sender+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func lastMessages(messages []ChatMessage, n int) []ChatMessage {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

// extractJSON strips markdown fences and surrounding prose from a model answer.
func extractJSON(text string) string {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "{[")
	end := strings.LastIndexAny(s, "}]")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func parseAnalysis(text string) (Analysis, error) {
	var raw struct {
		Priority       string `json:"priority"`
		ActionType     string `json:"actionType"`
		Summary        string `json:"summary"`
		Reasoning      string `json:"reasoning"`
		SuggestedReply string `json:"suggestedReply"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	an := Analysis{
		Priority:       Priority(strings.ToUpper(strings.TrimSpace(raw.Priority))),
		ActionType:     ActionType(strings.ToUpper(strings.TrimSpace(raw.ActionType))),
		Summary:        strings.TrimSpace(raw.Summary),
		Reasoning:      strings.TrimSpace(raw.Reasoning),
		SuggestedReply: strings.TrimSpace(raw.SuggestedReply),
	}
	if !an.Priority.Valid() {
		return Analysis{}, fmt.Errorf("%w: priority %q", ErrMalformedResponse, raw.Priority)
	}
	if !an.ActionType.Valid() {
		return Analysis{}, fmt.Errorf("%w: actionType %q", ErrMalformedResponse, raw.ActionType)
	}
	if an.Summary == "" || an.Reasoning == "" {
		return Analysis{}, fmt.Errorf("%w: summary and reasoning are required", ErrMalformedResponse)
	}
	return an, nil
}

// parseReplies accepts {"replies": [...]} as well as a bare array of strings.
func parseReplies(text string) ([]string, error) {
	body := []byte(extractJSON(text))
	var raw []string
	if len(body) > 0 && body[0] == '{' {
		var obj struct {
			Replies []string `json:"replies"`
		}
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if obj.Replies == nil {
			return nil, fmt.Errorf("%w: missing replies", ErrMalformedResponse)
		}
		raw = obj.Replies
	} else if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	out := make([]string, 0, MaxSmartReplies)
	for _, r := range raw {
		if r = strings.TrimSpace(r); r == "" {
			continue
		}
		out = append(out, r)
		if len(out) == MaxSmartReplies {
			break
		}
	}
	return out, nil
}

type alertVerdict struct {
	IsUrgent bool   `json:"isUrgent"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
}

func parseAlertVerdict(text string) (alertVerdict, error) {
	var v alertVerdict
	if err := json.Unmarshal([]byte(extractJSON(text)), &v); err != nil {
		return alertVerdict{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	v.Severity = strings.ToLower(strings.TrimSpace(v.Severity))
	v.Reason = strings.TrimSpace(v.Reason)
	return v, nil
}
