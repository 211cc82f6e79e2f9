package memory

import (
	"errors"
	"testing"
	"time"
)

func TestNewEntry(t *testing.T) {
	if _, err := NewEntry("", nil); !errors.Is(err, ErrKey) {
		t.Fatalf("expected ErrKey for empty key, got %v", err)
	}

	e, err := NewEntry("k", map[string]any{"a": "b"},
		WithType(MediumTerm),
		WithScope(ScopeGlobal),
		WithTTL(time.Hour),
		WithIndices(IndexSemantic, IndexTemporal),
	)
	if err != nil {
		t.Fatalf("NewEntry failed: %v", err)
	}
	if e.Type != MediumTerm || e.Scope != ScopeGlobal {
		t.Errorf("options not applied: %s/%s", e.Type, e.Scope)
	}
	if e.ExpiresAt == nil || !e.ExpiresAt.Equal(e.CreatedAt.Add(time.Hour)) {
		t.Errorf("expected expiry one hour after creation, got %v", e.ExpiresAt)
	}
	if len(e.Indices) != 2 {
		t.Errorf("expected 2 indices, got %v", e.Indices)
	}

	d, _ := NewEntry("d", nil)
	if d.Type != ShortTerm || d.Scope != ScopeSession {
		t.Errorf("expected defaults short_term/session, got %s/%s", d.Type, d.Scope)
	}
}

func TestEntry_IsExpired(t *testing.T) {
	now := time.Now()
	at := now.Add(time.Minute)
	e := Entry{Key: "k", ExpiresAt: &at}

	if e.IsExpired(now) {
		t.Error("entry should be live before its deadline")
	}
	if e.IsExpired(at) {
		t.Error("entry should be live at its deadline")
	}
	if !e.IsExpired(at.Add(time.Nanosecond)) {
		t.Error("entry should be expired after its deadline")
	}
	if (Entry{Key: "k"}).IsExpired(now.Add(1000 * time.Hour)) {
		t.Error("entry without expiry never expires")
	}
}

func TestEntry_Clone(t *testing.T) {
	at := time.Now()
	e := Entry{
		Key:       "k",
		Value:     map[string]any{"list": []any{"a", map[string]any{"x": "y"}}},
		Metadata:  map[string]any{"m": []string{"1"}},
		ExpiresAt: &at,
		Indices:   []IndexType{IndexCausal},
	}
	c := e.Clone()
	c.Value["list"].([]any)[1].(map[string]any)["x"] = "changed"
	c.Metadata["m"].([]string)[0] = "changed"
	*c.ExpiresAt = at.Add(time.Hour)
	c.Indices[0] = IndexSpatial

	if e.Value["list"].([]any)[1].(map[string]any)["x"] != "y" {
		t.Error("Value shares memory with clone")
	}
	if e.Metadata["m"].([]string)[0] != "1" {
		t.Error("Metadata shares memory with clone")
	}
	if !e.ExpiresAt.Equal(at) {
		t.Error("ExpiresAt shares memory with clone")
	}
	if e.Indices[0] != IndexCausal {
		t.Error("Indices shares memory with clone")
	}
}

func TestStamp(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	first := Stamp(Entry{Key: "k"}, nil, t0)
	if !first.CreatedAt.Equal(t0) || !first.UpdatedAt.Equal(t0) {
		t.Errorf("unexpected first stamp %v/%v", first.CreatedAt, first.UpdatedAt)
	}
	if first.Type != ShortTerm || first.Scope != ScopeSession {
		t.Errorf("expected defaults applied, got %s/%s", first.Type, first.Scope)
	}

	second := Stamp(Entry{Key: "k", CreatedAt: t1}, &first, t1)
	if !second.CreatedAt.Equal(t0) {
		t.Errorf("expected CreatedAt preserved, got %v", second.CreatedAt)
	}
	if !second.UpdatedAt.Equal(t1) {
		t.Errorf("expected UpdatedAt refreshed, got %v", second.UpdatedAt)
	}
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("")
	if err != nil || s != nil {
		t.Errorf("empty scope should parse to nil, got %v, %v", s, err)
	}
	s, err = ParseScope("agent")
	if err != nil || s == nil || *s != ScopeAgent {
		t.Errorf("expected agent, got %v, %v", s, err)
	}
	if _, err := ParseScope("planet"); !errors.Is(err, ErrQuery) {
		t.Errorf("expected ErrQuery for unknown scope, got %v", err)
	}
}
