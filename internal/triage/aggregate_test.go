package triage

import (
	"testing"
	"time"
)

func analyzed(id string, age time.Duration, p Priority, status ItemStatus) *Item {
	it := NewItem(testMessage(id, age))
	it.Status = status
	if p != "" {
		it.Analysis = &Analysis{Priority: p, ActionType: ActionReadOnly, Summary: "s", Reasoning: "r"}
	}
	return it
}

func ids(items []*Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func equalIDs(t *testing.T, got []*Item, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("ids = %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("ids = %v, want %v", g, want)
		}
	}
}

func TestComputeStats(t *testing.T) {
	t.Parallel()

	items := []*Item{
		analyzed("a", time.Hour, PriorityCritical, StatusPending),
		analyzed("b", 2*time.Hour, PriorityCritical, StatusDone),
		analyzed("c", 48*time.Hour, PriorityLow, StatusArchived),
		analyzed("d", 30*time.Hour, "", StatusPending),
	}

	st := ComputeStats(items, testNow)

	if st.Total != 4 {
		t.Errorf("Total = %d, want 4", st.Total)
	}
	if st.Total24h != 2 {
		t.Errorf("Total24h = %d, want 2", st.Total24h)
	}
	if st.PendingCount != 2 || st.DoneCount != 1 || st.ArchivedCount != 1 {
		t.Errorf("pending/done/archived = %d/%d/%d, want 2/1/1", st.PendingCount, st.DoneCount, st.ArchivedCount)
	}
	if st.PendingCount+st.DoneCount+st.ArchivedCount != st.Total {
		t.Error("status counts do not add up to Total")
	}
	// closed critical items do not count
	if st.CriticalCount != 1 {
		t.Errorf("CriticalCount = %d, want 1", st.CriticalCount)
	}
	if st.Progress != 50 {
		t.Errorf("Progress = %d, want 50", st.Progress)
	}
}

func TestComputeStats_EmptyIsComplete(t *testing.T) {
	t.Parallel()

	st := ComputeStats(nil, testNow)
	if st.Progress != 100 {
		t.Errorf("Progress = %d, want 100", st.Progress)
	}
	if st.Total != 0 {
		t.Errorf("Total = %d, want 0", st.Total)
	}
}

func TestComputeStats_ProgressRounds(t *testing.T) {
	t.Parallel()

	items := []*Item{
		analyzed("a", time.Hour, PriorityLow, StatusDone),
		analyzed("b", time.Hour, PriorityLow, StatusPending),
		analyzed("c", time.Hour, PriorityLow, StatusPending),
	}
	if got := ComputeStats(items, testNow).Progress; got != 33 {
		t.Errorf("Progress = %d, want 33", got)
	}

	items[1].Status = StatusArchived
	if got := ComputeStats(items, testNow).Progress; got != 67 {
		t.Errorf("Progress = %d, want 67", got)
	}
}

func TestRecentWindowBoundary(t *testing.T) {
	t.Parallel()

	items := []*Item{
		analyzed("exact", RecentWindow, PriorityNormal, StatusPending),
		analyzed("inside", RecentWindow-time.Second, PriorityNormal, StatusPending),
	}

	equalIDs(t, Visible(items, FilterRecent, testNow), "inside")
	if got := ComputeStats(items, testNow).Total24h; got != 1 {
		t.Errorf("Total24h = %d, want 1", got)
	}
}

func TestVisible_Filters(t *testing.T) {
	t.Parallel()

	items := []*Item{
		analyzed("old-low", 30*time.Hour, PriorityLow, StatusPending),
		analyzed("new-normal", time.Hour, PriorityNormal, StatusPending),
		analyzed("mid-critical", 5*time.Hour, PriorityCritical, StatusPending),
		analyzed("unanalyzed", 10*time.Minute, "", StatusPending),
		analyzed("archived", time.Minute, PriorityCritical, StatusArchived),
		analyzed("done", time.Minute, PriorityHigh, StatusDone),
	}

	equalIDs(t, Visible(items, FilterRecent, testNow), "unanalyzed", "new-normal", "mid-critical")
	equalIDs(t, Visible(items, FilterAll, testNow), "unanalyzed", "new-normal", "mid-critical", "old-low")
	equalIDs(t, Visible(items, FilterPriority, testNow), "mid-critical", "new-normal", "old-low", "unanalyzed")
}

func TestVisible_PriorityTieBreaksByRecency(t *testing.T) {
	t.Parallel()

	items := []*Item{
		analyzed("h-old", 3*time.Hour, PriorityHigh, StatusPending),
		analyzed("h-new", time.Hour, PriorityHigh, StatusPending),
		analyzed("spam", time.Minute, PrioritySpam, StatusPending),
	}
	equalIDs(t, Visible(items, FilterPriority, testNow), "h-new", "h-old", "spam")
}

func TestVisible_DoesNotReorderInput(t *testing.T) {
	t.Parallel()

	items := []*Item{
		analyzed("a", 3*time.Hour, PriorityLow, StatusPending),
		analyzed("b", time.Hour, PriorityCritical, StatusPending),
	}
	_ = Visible(items, FilterPriority, testNow)
	equalIDs(t, items, "a", "b")
}

func TestHistory_IncludesClosedItems(t *testing.T) {
	t.Parallel()

	items := []*Item{
		analyzed("archived", 2*time.Hour, PriorityLow, StatusArchived),
		analyzed("pending", time.Hour, PriorityLow, StatusPending),
		analyzed("old-done", 72*time.Hour, PriorityLow, StatusDone),
	}
	equalIDs(t, History(items), "pending", "archived", "old-done")
}

func TestParseFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Filter
		wantErr bool
	}{
		{"", FilterRecent, false},
		{"24h", FilterRecent, false},
		{"priority", FilterPriority, false},
		{"all", FilterAll, false},
		{"urgent", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFilter(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFilter(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseFilter(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	t.Parallel()

	for i, p := range Priorities() {
		if p.Rank() != i {
			t.Errorf("%s.Rank() = %d, want %d", p, p.Rank(), i)
		}
		if !p.Valid() {
			t.Errorf("%s not valid", p)
		}
	}
	if Priority("URGENT").Valid() {
		t.Error("URGENT should not be valid")
	}
	if got := Priority("URGENT").Rank(); got != unrankedPriority {
		t.Errorf("unknown rank = %d, want %d", got, unrankedPriority)
	}
}

func TestItemClone(t *testing.T) {
	t.Parallel()

	it := analyzed("a", time.Hour, PriorityHigh, StatusPending)
	cp := it.Clone()
	cp.Analysis.Priority = PriorityLow
	cp.Status = StatusDone

	if it.Analysis.Priority != PriorityHigh || it.Status != StatusPending {
		t.Errorf("clone shares state with original: %+v", it)
	}
}
