package vector

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/goclaw/memlayer/pkg/memory"
)

// Document metadata keys.
const (
	metaType      = "type"
	metaScope     = "scope"
	metaCreatedAt = "created_at"
	metaUpdatedAt = "updated_at"
	metaExpiresAt = "expires_at"
	metaUser      = "metadata"
	metaIndices   = "indices"
)

func encode(e memory.Entry, embedding []float32) (chromem.Document, error) {
	content, err := json.Marshal(e.Value)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("marshal value: %w", err)
	}

	md := map[string]string{
		metaType:      string(e.Type),
		metaScope:     string(e.Scope),
		metaCreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
		metaUpdatedAt: e.UpdatedAt.Format(time.RFC3339Nano),
	}
	if e.ExpiresAt != nil {
		md[metaExpiresAt] = e.ExpiresAt.Format(time.RFC3339Nano)
	}
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return chromem.Document{}, fmt.Errorf("marshal metadata: %w", err)
		}
		md[metaUser] = string(data)
	}
	if len(e.Indices) > 0 {
		parts := make([]string, len(e.Indices))
		for i, idx := range e.Indices {
			parts[i] = string(idx)
		}
		md[metaIndices] = strings.Join(parts, ",")
	}

	return chromem.Document{
		ID:        e.Key,
		Content:   string(content),
		Metadata:  md,
		Embedding: embedding,
	}, nil
}

func decode(doc chromem.Document) (Entry, error) {
	e := memory.Entry{
		Key:   doc.ID,
		Type:  memory.Type(doc.Metadata[metaType]),
		Scope: memory.Scope(doc.Metadata[metaScope]),
	}
	if err := json.Unmarshal([]byte(doc.Content), &e.Value); err != nil {
		return Entry{}, fmt.Errorf("unmarshal value: %w", err)
	}

	var err error
	if e.CreatedAt, err = parseTime(doc.Metadata[metaCreatedAt]); err != nil {
		return Entry{}, err
	}
	if e.UpdatedAt, err = parseTime(doc.Metadata[metaUpdatedAt]); err != nil {
		return Entry{}, err
	}
	if raw, ok := doc.Metadata[metaExpiresAt]; ok {
		t, err := parseTime(raw)
		if err != nil {
			return Entry{}, err
		}
		e.ExpiresAt = &t
	}
	if raw, ok := doc.Metadata[metaUser]; ok {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if raw := doc.Metadata[metaIndices]; raw != "" {
		for _, idx := range strings.Split(raw, ",") {
			e.Indices = append(e.Indices, memory.IndexType(idx))
		}
	}

	return Entry{Entry: e, Embedding: doc.Embedding}, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
