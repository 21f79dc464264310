package models

import "testing"

func TestPriorityRankOrdering(t *testing.T) {
	ordered := []QueuePriority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Rank() >= ordered[i].Rank() {
			t.Fatalf("expected %s to rank below %s", ordered[i-1], ordered[i])
		}
	}
	if QueuePriority("bogus").Rank() >= PriorityLow.Rank() {
		t.Fatalf("unknown priority must rank below low")
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]QueuePriority{
		"urgent":  PriorityUrgent,
		" High ":  PriorityHigh,
		"LOW":     PriorityLow,
		"normal":  PriorityNormal,
		"":        PriorityNormal,
		"unknown": PriorityNormal,
	}
	for input, want := range cases {
		if got := ParsePriority(input); got != want {
			t.Errorf("ParsePriority(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestTierRankAscending(t *testing.T) {
	if !(TierLow.Rank() < TierMedium.Rank() && TierMedium.Rank() < TierHigh.Rank()) {
		t.Fatalf("tier ranks must ascend low < medium < high")
	}
}

func TestEntryStatusTerminal(t *testing.T) {
	terminal := []EntryStatus{EntryCompleted, EntryFailed, EntryCancelled}
	for _, status := range terminal {
		if !status.Terminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []EntryStatus{EntryQueued, EntryProcessing} {
		if status.Terminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		title string
		want  string
	}{
		{"Morning News Briefing", "morning-news-briefing"},
		{"  Él Clásico: Review!  ", "el-clasico-review"},
		{"100% -- Official", "100-official"},
		{"---", ""},
	}
	for _, tc := range cases {
		if got := Slugify(tc.title); got != tc.want {
			t.Errorf("Slugify(%q) = %q, want %q", tc.title, got, tc.want)
		}
	}
}

func TestSlugifyTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 120; i++ {
		long += "ab "
	}
	slug := Slugify(long)
	if len(slug) > maxSlugLength {
		t.Fatalf("slug length %d exceeds %d", len(slug), maxSlugLength)
	}
	if slug[len(slug)-1] == '-' {
		t.Fatalf("slug should not end with hyphen: %q", slug)
	}
}

func TestRecommendedTier(t *testing.T) {
	cases := map[string]QualityTier{
		"mobile":  TierLow,
		"tablet":  TierMedium,
		"desktop": TierHigh,
		"tv":      TierHigh,
		"":        TierMedium,
		"fridge":  TierMedium,
	}
	for class, want := range cases {
		if got := RecommendedTier(class); got != want {
			t.Errorf("RecommendedTier(%q) = %s, want %s", class, got, want)
		}
	}
}
