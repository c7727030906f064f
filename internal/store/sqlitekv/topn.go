package sqlitekv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Query selects and orders collection entries decoded as T.
type Query[T any] struct {
	// Filter drops entries when it returns false. Nil keeps everything.
	Filter func(T) bool
	// Score is the descending sort key.
	Score func(T) float64
	// Limit <= 0 returns every match.
	Limit int
}

// Ranked is one TopN result.
type Ranked[T any] struct {
	Key   string
	Value T
	Score float64
}

// TopN scans a collection, filters it, sorts by score descending and keeps the
// first Limit entries. Ties keep insertion order.
func TopN[T any](ctx context.Context, d *DB, family, key string, q Query[T]) ([]Ranked[T], error) {
	var out []Ranked[T]
	err := d.Scan(ctx, family, key, func(sub string, raw []byte) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode %s/%s[%s]: %w", family, key, sub, err)
		}
		if q.Filter != nil && !q.Filter(v) {
			return nil
		}
		r := Ranked[T]{Key: sub, Value: v}
		if q.Score != nil {
			r.Score = q.Score(v)
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
