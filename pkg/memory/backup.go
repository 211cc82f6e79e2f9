package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	exportPageSize = 100
	maxImportLine  = 4 << 20
)

// Export writes every live entry of store to w as JSON lines and returns the
// number written. A composite is exported from its primary, so each key is
// written once.
func Export(ctx context.Context, store Store, w io.Writer) (int, error) {
	store = exportSource(store)
	enc := json.NewEncoder(w)
	written := 0
	for offset := 0; ; offset += exportPageSize {
		stream, err := store.Retrieve(ctx, Query{Limit: exportPageSize, Offset: offset})
		if err != nil {
			return written, err
		}
		page, err := stream.Collect()
		if err != nil {
			return written, err
		}
		for _, res := range page {
			if err := enc.Encode(res.Entry); err != nil {
				return written, fmt.Errorf("memory: export %q: %w", res.Entry.Key, err)
			}
			written++
		}
		if len(page) < exportPageSize {
			return written, nil
		}
	}
}

type primaryStore interface {
	Primary() Store
}

func exportSource(store Store) Store {
	for {
		c, ok := store.(primaryStore)
		if !ok {
			return store
		}
		p := c.Primary()
		if p == nil {
			return store
		}
		store = p
	}
}

// Import stores every entry read from r, one JSON object per line. Blank lines
// and entries that have already expired are skipped.
func Import(ctx context.Context, store Store, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxImportLine)

	imported := 0
	line := 0
	now := time.Now()
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return imported, &QueryError{Field: fmt.Sprintf("line %d", line), Reason: err.Error()}
		}
		if e.IsExpired(now) {
			continue
		}
		if _, err := store.Store(ctx, e); err != nil {
			return imported, fmt.Errorf("memory: import line %d: %w", line, err)
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		return imported, fmt.Errorf("memory: import: %w", err)
	}
	return imported, nil
}
