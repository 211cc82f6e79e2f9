package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Scores assigned by Match.
const (
	ScoreExact   = 1.0
	ScorePartial = 0.5
)

// Match applies the shared matching rules to a single entry. It reports
// whether e belongs in the results of q at time now and, if so, its scored
// result. Direct lookups (Key/Keys) skip text matching and score ScoreExact.
//
// q is expected to be normalized.
func Match(e Entry, q Query, now time.Time) (SearchResult, bool) {
	if e.IsExpired(now) {
		return SearchResult{}, false
	}

	if keys := q.DirectKeys(); len(keys) > 0 {
		found := false
		for _, k := range keys {
			if k == e.Key {
				found = true
				break
			}
		}
		if !found || !matchFilters(e, q.Filters) || !matchMetadata(e, q.MetadataFilters) {
			return SearchResult{}, false
		}
		return scored(e, ScoreExact, nil, q.MinScore)
	}

	if !matchFilters(e, q.Filters) || !matchMetadata(e, q.MetadataFilters) {
		return SearchResult{}, false
	}

	// Query text is matched as given; surrounding whitespace is significant.
	text := strings.ToLower(q.QueryText)
	if text == "" {
		return scored(e, ScoreExact, nil, q.MinScore)
	}

	if !strings.Contains(SerializeValue(e.Value), text) {
		return SearchResult{}, false
	}

	leaves := stringLeaves(e.Value)
	score := ScorePartial
	if strings.EqualFold(e.Key, text) {
		score = ScoreExact
	}
	var highlights []string
	for _, leaf := range leaves {
		lower := strings.ToLower(leaf.value)
		if lower == text {
			score = ScoreExact
		}
		if strings.Contains(lower, text) {
			highlights = append(highlights, leaf.path+": "+leaf.value)
		}
	}
	return scored(e, score, highlights, q.MinScore)
}

func scored(e Entry, score float64, highlights []string, minScore float64) (SearchResult, bool) {
	if score < minScore {
		return SearchResult{}, false
	}
	return SearchResult{Entry: e, Score: score, Highlights: highlights}, true
}

// SerializeValue returns the lower-cased JSON form of v that text queries are
// matched against. Map keys are sorted, HTML characters are not escaped.
func SerializeValue(v map[string]any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return strings.ToLower(fmt.Sprint(v))
	}
	return strings.ToLower(strings.TrimSpace(buf.String()))
}

func matchFilters(e Entry, filters map[string]any) bool {
	for field, want := range filters {
		var got any
		switch field {
		case "type":
			got = string(e.Type)
		case "scope":
			got = string(e.Scope)
		case "key":
			got = e.Key
		default:
			v, ok := e.Value[field]
			if !ok {
				return false
			}
			got = v
		}
		if !Equal(got, want) {
			return false
		}
	}
	return true
}

func matchMetadata(e Entry, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := e.Metadata[k]
		if !ok || !Equal(got, want) {
			return false
		}
	}
	return true
}

// Equal compares two filter operands. Numbers compare by value regardless of
// Go type, named string types compare by their text, anything else is
// compared after a JSON round trip.
func Equal(a, b any) bool {
	a, b = normalizeOperand(a), normalizeOperand(b)
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func normalizeOperand(v any) any {
	switch val := v.(type) {
	case Type:
		return string(val)
	case Scope:
		return string(val)
	case IndexType:
		return string(val)
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return v
	}
}

type leaf struct {
	path  string
	value string
}

// stringLeaves walks v in sorted key order and returns every string value with
// its dotted path.
func stringLeaves(v map[string]any) []leaf {
	var out []leaf
	var walk func(prefix string, node any)
	walk = func(prefix string, node any) {
		switch val := node.(type) {
		case string:
			out = append(out, leaf{path: prefix, value: val})
		case map[string]any:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				p := k
				if prefix != "" {
					p = prefix + "." + k
				}
				walk(p, val[k])
			}
		case []any:
			for i, item := range val {
				walk(fmt.Sprintf("%s[%d]", prefix, i), item)
			}
		case []string:
			for i, item := range val {
				out = append(out, leaf{path: fmt.Sprintf("%s[%d]", prefix, i), value: item})
			}
		}
	}
	walk("", v)
	return out
}

// Window applies Offset and Limit to a stream of matches.
type Window struct {
	offset  int
	limit   int
	skipped int
	emitted int
}

// NewWindow returns a Window for a normalized query.
func NewWindow(q Query) *Window {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Window{offset: q.Offset, limit: limit}
}

// Push offers r to the window. It emits r once the offset is consumed and
// reports whether the producer should keep going.
func (w *Window) Push(emit func(SearchResult) bool, r SearchResult) bool {
	if w.skipped < w.offset {
		w.skipped++
		return true
	}
	if w.emitted >= w.limit {
		return false
	}
	if !emit(r) {
		return false
	}
	w.emitted++
	return w.emitted < w.limit
}

// Full reports whether the window has emitted Limit results.
func (w *Window) Full() bool {
	return w.emitted >= w.limit
}
