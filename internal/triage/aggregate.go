package triage

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// RecentWindow is the look-back used by the 24h filter and stats.
const RecentWindow = 24 * time.Hour

// Filter selects which pending items an inbox view shows.
type Filter string

const (
	// FilterRecent shows pending items from the last 24 hours, newest first
	FilterRecent Filter = "24h"

	// FilterPriority shows all pending items, most urgent first
	FilterPriority Filter = "priority"

	// FilterAll shows all pending items, newest first
	FilterAll Filter = "all"
)

// ParseFilter maps a query value to a Filter. Empty selects FilterRecent.
func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case "":
		return FilterRecent, nil
	case FilterRecent, FilterPriority, FilterAll:
		return Filter(s), nil
	}
	return "", fmt.Errorf("unknown filter %q (want 24h, priority or all)", s)
}

// Stats are the dashboard counters derived from the item collection.
type Stats struct {
	Total         int `json:"total"`
	Total24h      int `json:"total_24h"`
	PendingCount  int `json:"pending_count"`
	DoneCount     int `json:"done_count"`
	ArchivedCount int `json:"archived_count"`
	CriticalCount int `json:"critical_count"`
	Progress      int `json:"progress"`
}

// isRecent reports whether ts falls strictly inside the 24h window ending at now.
func isRecent(ts, now time.Time) bool {
	return ts.After(now.Add(-RecentWindow))
}

// ComputeStats derives counters from items as of now.
func ComputeStats(items []*Item, now time.Time) Stats {
	st := Stats{Total: len(items)}
	for _, it := range items {
		if isRecent(it.Timestamp, now) {
			st.Total24h++
		}
		switch it.Status {
		case StatusPending:
			st.PendingCount++
			if it.Analysis != nil && it.Analysis.Priority == PriorityCritical {
				st.CriticalCount++
			}
		case StatusDone:
			st.DoneCount++
		case StatusArchived:
			st.ArchivedCount++
		}
	}

	st.Progress = 100
	if st.Total > 0 {
		st.Progress = int(math.Round(float64(st.Total-st.PendingCount) / float64(st.Total) * 100))
	}
	return st
}

// Visible returns the pending items shown under filter, in display order.
// The input slice is not modified.
func Visible(items []*Item, filter Filter, now time.Time) []*Item {
	out := make([]*Item, 0, len(items))
	for _, it := range items {
		if it.Status != StatusPending {
			continue
		}
		if filter == FilterRecent && !isRecent(it.Timestamp, now) {
			continue
		}
		out = append(out, it)
	}

	slices.SortStableFunc(out, func(a, b *Item) int {
		if filter == FilterPriority {
			if d := itemRank(a) - itemRank(b); d != 0 {
				return d
			}
		}
		return b.Timestamp.Compare(a.Timestamp)
	})
	return out
}

// History returns every item regardless of status, newest first.
func History(items []*Item) []*Item {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b *Item) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return out
}

func itemRank(it *Item) int {
	if it.Analysis == nil {
		return unrankedPriority
	}
	return it.Analysis.Priority.Rank()
}
