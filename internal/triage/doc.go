// Package triage provides the business boundary for WhatsPilot's message triage.
// It defines the Service (single-worker dispatch, item lifecycle, alert scans),
// Engine (fetch, publish, sequential classification), Assistant (every LLM call with
// its quota retry and canned fallbacks), Store interface (item collection), and
// domain models.
package triage
