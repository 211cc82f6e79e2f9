package memory

import (
	"testing"
	"time"
)

func TestMatch(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	base := Entry{
		Key:      "user1",
		Value:    map[string]any{"name": "John", "age": 42, "tags": []any{"admin", "Ops"}},
		Type:     LongTerm,
		Scope:    ScopeAgent,
		Metadata: map[string]any{"team": "core", "level": 3},
	}

	tests := []struct {
		name      string
		entry     Entry
		query     Query
		wantMatch bool
		wantScore float64
	}{
		{name: "empty text matches everything", entry: base, query: Query{}, wantMatch: true, wantScore: ScoreExact},
		{name: "exact leaf is case-insensitive", entry: base, query: Query{QueryText: "JOHN"}, wantMatch: true, wantScore: ScoreExact},
		{name: "substring scores partial", entry: base, query: Query{QueryText: "joh"}, wantMatch: true, wantScore: ScorePartial},
		{name: "key alone does not match text", entry: base, query: Query{QueryText: "User1"}, wantMatch: false},
		{name: "nested leaf", entry: base, query: Query{QueryText: "ops"}, wantMatch: true, wantScore: ScoreExact},
		{name: "numbers are searchable", entry: base, query: Query{QueryText: "42"}, wantMatch: true, wantScore: ScorePartial},
		{name: "no match", entry: base, query: Query{QueryText: "jane"}, wantMatch: false},
		{name: "surrounding whitespace is significant", entry: base, query: Query{QueryText: " john"}, wantMatch: false},
		{name: "inner whitespace matches", entry: Entry{Key: "c", Value: map[string]any{"city": "New York"}}, query: Query{QueryText: "w y"}, wantMatch: true, wantScore: ScorePartial},
		{name: "type filter", entry: base, query: Query{Filters: map[string]any{"type": LongTerm}}, wantMatch: true, wantScore: ScoreExact},
		{name: "type filter mismatch", entry: base, query: Query{Filters: map[string]any{"type": "short_term"}}, wantMatch: false},
		{name: "value field filter with int vs float", entry: base, query: Query{Filters: map[string]any{"age": 42.0}}, wantMatch: true, wantScore: ScoreExact},
		{name: "missing value field", entry: base, query: Query{Filters: map[string]any{"email": "x"}}, wantMatch: false},
		{name: "metadata filter", entry: base, query: Query{MetadataFilters: map[string]any{"team": "core", "level": float64(3)}}, wantMatch: true, wantScore: ScoreExact},
		{name: "metadata mismatch", entry: base, query: Query{MetadataFilters: map[string]any{"team": "edge"}}, wantMatch: false},
		{name: "direct key", entry: base, query: Query{Key: "user1", QueryText: "unrelated"}, wantMatch: true, wantScore: ScoreExact},
		{name: "direct key honors filters", entry: base, query: Query{Key: "user1", Filters: map[string]any{"scope": "global"}}, wantMatch: false},
		{name: "direct keys miss", entry: base, query: Query{Keys: []string{"other"}}, wantMatch: false},
		{name: "min score drops partial", entry: base, query: Query{QueryText: "joh", MinScore: 0.75}, wantMatch: false},
		{name: "expired", entry: func() Entry { e := base; e.ExpiresAt = &past; return e }(), query: Query{}, wantMatch: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := Match(tt.entry, tt.query, now)
			if ok != tt.wantMatch {
				t.Fatalf("match = %v, want %v", ok, tt.wantMatch)
			}
			if ok && res.Score != tt.wantScore {
				t.Errorf("score = %v, want %v", res.Score, tt.wantScore)
			}
		})
	}
}

func TestMatch_KeyEqualityScore(t *testing.T) {
	e := Entry{Key: "greeting", Value: map[string]any{"text": "the greeting is hello"}}
	res, ok := Match(e, Query{QueryText: "greeting"}, time.Now())
	if !ok {
		t.Fatal("expected match")
	}
	if res.Score != ScoreExact {
		t.Errorf("expected key equality to score %v, got %v", ScoreExact, res.Score)
	}
}

func TestMatch_Highlights(t *testing.T) {
	e := Entry{Key: "k", Value: map[string]any{
		"title": "Deploy notes",
		"body":  map[string]any{"summary": "deploy went fine"},
		"owner": "ops",
	}}
	res, ok := Match(e, Query{QueryText: "deploy"}, time.Now())
	if !ok {
		t.Fatal("expected match")
	}
	want := []string{"body.summary: deploy went fine", "title: Deploy notes"}
	if len(res.Highlights) != len(want) {
		t.Fatalf("highlights = %v, want %v", res.Highlights, want)
	}
	for i := range want {
		if res.Highlights[i] != want[i] {
			t.Errorf("highlight %d = %q, want %q", i, res.Highlights[i], want[i])
		}
	}
}

func TestSerializeValue_NoHTMLEscaping(t *testing.T) {
	got := SerializeValue(map[string]any{"q": "Tom & <Jerry>"})
	if got != `{"q":"tom & <jerry>"}` {
		t.Errorf("unexpected serialization %s", got)
	}
}

func TestWindow(t *testing.T) {
	var out []int
	emit := func(r SearchResult) bool {
		out = append(out, int(r.Score))
		return true
	}
	w := NewWindow(Query{Offset: 2, Limit: 3})
	for i := 0; i < 10; i++ {
		if !w.Push(emit, SearchResult{Score: float64(i)}) {
			break
		}
	}
	want := []int{2, 3, 4}
	if len(out) != len(want) {
		t.Fatalf("got %v, want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("got %v, want %v", out, want)
		}
	}
	if !w.Full() {
		t.Error("expected window to be full")
	}
}
