package triage

import (
	"fmt"
	"strings"
	"time"
)

const classifySystemPrompt = `You are WhatsPilot, a personal triage assistant for incoming WhatsApp messages.

For each message:
1. Decide the priority: CRITICAL (absolute emergency, money at stake), HIGH (important work),
   NORMAL (conversation), LOW (information), SPAM.
2. Decide the action: REPLY_NEEDED, READ_ONLY, SCHEDULING, PAYMENT.
3. Summarize it in one very short sentence.
4. Explain your reasoning in one sentence.
5. If a reply is needed, draft a polite reply that fits the relationship (formal for work,
   casual for friends and family).

Answer with a single JSON object and nothing else:
{"priority": "...", "actionType": "...", "summary": "...", "reasoning": "...", "suggestedReply": "..."}
priority, actionType, summary and reasoning are required. suggestedReply is optional.`

const summarySystemPrompt = `Summarize this WhatsApp conversation concisely. Highlight the key points and the actions to take.`

const smartReplySystemPrompt = `You are the user taking part in this conversation. Suggest 3 short, relevant replies to the last message received.

Answer with a single JSON object and nothing else:
{"replies": ["...", "...", "..."]}`

const alertSystemPrompt = `Analyze this recent conversation for a critical emergency (server outage, security incident, threat to life, major financial crisis).

Answer with a single JSON object and nothing else:
{"isUrgent": true|false, "severity": "critical"|"high", "reason": "..."}
severity and reason are only needed when isUrgent is true.`

// buildClassifyPrompt renders the per-message context for classification.
func buildClassifyPrompt(msg *IncomingMessage) string {
	var b strings.Builder
	b.WriteString("Incoming WhatsApp message.\n\n")
	fmt.Fprintf(&b, "Sender: %s", msg.Sender)
	if msg.IsGroup {
		fmt.Fprintf(&b, " (group: %s)", msg.GroupName)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Message: %q\n", msg.Content)
	fmt.Fprintf(&b, "Date: %s\n", msg.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}
