package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/tmc/langchaingo/llms"

	"github.com/linnemanlabs/whatspilot/internal/triage"
)

// fakeModel records the last call and returns a canned response.
type fakeModel struct {
	msgs []llms.MessageContent
	opts llms.CallOptions
	resp *llms.ContentResponse
	err  error
}

func (f *fakeModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.msgs = msgs
	for _, o := range options {
		o(&f.opts)
	}
	return f.resp, f.err
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestSend_MapsRequestAndUsage(t *testing.T) {
	t.Parallel()

	m := &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        `["Ok"]`,
		GenerationInfo: map[string]any{"PromptTokens": 12, "CompletionTokens": 3},
	}}}}
	c := NewWithModel(m, "gpt-test")

	resp, err := c.Send(context.Background(), &triage.LLMRequest{
		MaxTokens: 128,
		System:    "sys",
		Prompt:    "user prompt",
		JSON:      true,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Text != `["Ok"]` || resp.Model != "gpt-test" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if len(m.msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(m.msgs))
	}
	if m.msgs[0].Role != llms.ChatMessageTypeSystem || m.msgs[1].Role != llms.ChatMessageTypeHuman {
		t.Errorf("roles = %s, %s", m.msgs[0].Role, m.msgs[1].Role)
	}
	if m.opts.MaxTokens != 128 {
		t.Errorf("max tokens = %d, want 128", m.opts.MaxTokens)
	}
	if !m.opts.JSONMode {
		t.Error("expected JSON mode")
	}
}

func TestSend_NoSystemPrompt(t *testing.T) {
	t.Parallel()

	m := &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "hi"}}}}
	c := NewWithModel(m, "gpt-test")

	if _, err := c.Send(context.Background(), &triage.LLMRequest{Prompt: "p"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(m.msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(m.msgs))
	}
	if m.opts.JSONMode {
		t.Error("JSON mode should be off")
	}
}

func TestSend_Errors(t *testing.T) {
	t.Parallel()

	quota := errors.New("API returned unexpected status code: 429: You exceeded your current quota")
	c := NewWithModel(&fakeModel{err: quota}, "gpt-test")
	_, err := c.Send(context.Background(), &triage.LLMRequest{Prompt: "p"})
	if !errors.Is(err, quota) {
		t.Errorf("err = %v, want wrapping %v", err, quota)
	}
	if !triage.IsQuotaError(err) {
		t.Error("expected a quota error")
	}

	c = NewWithModel(&fakeModel{resp: &llms.ContentResponse{}}, "gpt-test")
	if _, err := c.Send(context.Background(), &triage.LLMRequest{Prompt: "p"}); err == nil {
		t.Error("expected error on empty choices")
	}
}

func TestIntInfo(t *testing.T) {
	t.Parallel()

	info := map[string]any{"a": 1, "b": int64(2), "c": float64(3), "d": "4"}
	for key, want := range map[string]int{"a": 1, "b": 2, "c": 3, "d": 0, "missing": 0} {
		if got := intInfo(info, key); got != want {
			t.Errorf("intInfo(%q) = %d, want %d", key, got, want)
		}
	}
}
