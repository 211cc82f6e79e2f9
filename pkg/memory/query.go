package memory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultLimit is applied when a query leaves Limit unset.
const DefaultLimit = 10

// Sort orders accepted by Query.Order.
const (
	OrderAsc  = "ASC"
	OrderDesc = "DESC"
)

// Query selects entries for Retrieve.
type Query struct {
	// QueryText is matched case-insensitively against the serialized value.
	// Search requires it; Retrieve treats empty text as "match everything".
	QueryText string `json:"query_text,omitempty"`

	IndexType IndexType `json:"index_type,omitempty" validate:"omitempty,oneof=semantic temporal spatial causal contextual"`

	// Filters are exact-match constraints on type, scope, key or top-level value fields.
	Filters map[string]any `json:"filters,omitempty"`

	// MetadataFilters are exact-match constraints on Entry.Metadata.
	MetadataFilters map[string]any `json:"metadata_filters,omitempty"`

	// Key and Keys select entries directly and bypass text matching.
	Key  string   `json:"key,omitempty"`
	Keys []string `json:"keys,omitempty"`

	Limit  int `json:"limit,omitempty" validate:"min=0"`
	Offset int `json:"offset,omitempty" validate:"min=0"`

	MinScore float64 `json:"min_score,omitempty" validate:"min=0,max=1"`

	// OrderBy and Order are honored only by backends that can sort.
	OrderBy string `json:"order_by,omitempty"`
	Order   string `json:"order,omitempty" validate:"omitempty,oneof=ASC DESC"`
}

var queryValidator = validator.New()

// Normalize returns a copy of q with defaults applied, or a *QueryError.
func (q Query) Normalize() (Query, error) {
	q.Order = strings.ToUpper(strings.TrimSpace(q.Order))
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if err := queryValidator.Struct(q); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return q, &QueryError{Field: strings.ToLower(fe.Field()), Reason: describeRule(fe)}
		}
		return q, &QueryError{Field: "query", Reason: err.Error()}
	}
	return q, nil
}

// DirectKeys returns the keys of a direct lookup, Key first, without duplicates.
func (q Query) DirectKeys() []string {
	if q.Key == "" && len(q.Keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(q.Keys)+1)
	keys := make([]string, 0, len(q.Keys)+1)
	for _, k := range append([]string{q.Key}, q.Keys...) {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// IsDirect reports whether the query is a direct key lookup.
func (q Query) IsDirect() bool {
	return len(q.DirectKeys()) > 0
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// SearchResult is one scored match produced by Retrieve.
type SearchResult struct {
	Entry      Entry          `json:"entry"`
	Score      float64        `json:"score"`
	Highlights []string       `json:"highlights,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
