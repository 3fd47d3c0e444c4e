package mermaidetl

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// Row is one destination row, ordered like the columns of Mapping.Table.
type Row []any

// Provenance is stamped on every row a unit produces.
type Provenance struct {
	ProjectID   string
	ExtractedAt time.Time
}

// Expand splits a record holding nested observations under ExpandPath into
// one record per observation. Parent fields are copied into each child; a
// field present on both sides keeps the child's value. Records without the
// nested array are returned unchanged. Elements that are not objects are
// dropped and counted.
func (m *Mapping) Expand(rec Record) ([]Record, int) {
	if m.ExpandPath == "" {
		return []Record{rec}, 0
	}
	nested, ok := rec[m.ExpandPath].([]any)
	if !ok {
		return []Record{rec}, 0
	}

	dropped := 0

	out := make([]Record, 0, len(nested))
	for _, n := range nested {
		obs, ok := n.(map[string]any)
		if !ok {
			dropped++
			continue
		}
		child := make(Record, len(rec)+len(obs))
		for k, v := range rec {
			if k != m.ExpandPath {
				child[k] = v
			}
		}
		for k, v := range obs {
			child[k] = v
		}
		out = append(out, child)
	}
	return out, dropped
}

// Transform maps a raw record onto the mapping's table. Fields that cannot be
// coerced are logged and loaded as NULL (or the column default). A record
// whose natural key is missing or unparsable yields an error wrapping
// ErrSkipRecord.
func (m *Mapping) Transform(ctx context.Context, rec Record, prov Provenance) (Row, error) {
	row, _, err := m.transform(ctx, rec, prov)
	return row, err
}

// transform is Transform that also reports how many fields fell back to NULL.
func (m *Mapping) transform(ctx context.Context, rec Record, prov Provenance) (Row, int, error) {
	l := log.Ctx(ctx)

	warnings := 0
	row := make(Row, 0, len(m.Columns)+2)
	for _, c := range m.Columns {
		var raw any
		if c.Derive != nil {
			raw = c.Derive(rec)
		} else {
			raw = lookup(rec, c.path())
		}

		v, err := c.Type.Coerce(raw)
		isKey := slices.Contains(m.Key, c.Name)
		if err != nil {
			if isKey {
				return nil, warnings, xerrors.Errorf("key column %s: %v: %w", c.Name, err, ErrSkipRecord)
			}
			warnings++
			l.Warn().
				Err(err).
				Str("survey", string(m.Survey)).
				Str("column", c.Name).
				Str("natural_key", m.rawKey(rec)).
				Msg("coercion failed, loading NULL")
		}
		if v == nil && c.Default != nil {
			v = c.Default
		}
		if v == nil && isKey {
			return nil, warnings, xerrors.Errorf("key column %s is missing: %w", c.Name, ErrSkipRecord)
		}

		row = append(row, v)
	}

	row = append(row, prov.ProjectID, prov.ExtractedAt.UTC())

	return row, warnings, nil
}

// rawKey renders the natural key of a raw record for logs.
func (m *Mapping) rawKey(rec Record) string {
	s := ""
	for i, k := range m.Key {
		if i > 0 {
			s += "/"
		}
		s += fmt.Sprint(lookup(rec, k))
	}
	return s
}
