package mermaidetl

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/xerrors"
)

// Sink writes batches into a destination store.
type Sink interface {
	// EnsureTable creates the table, and its schema, when absent and adds
	// columns missing from an existing table. It never drops anything.
	EnsureTable(ctx context.Context, t *Table) error

	// Upsert writes rows in a single transaction. Rows whose natural key
	// already exists overwrite the stored non-key columns.
	Upsert(ctx context.Context, t *Table, rows []Row) error

	Close() error
}

// LoadStats summarizes one load.
type LoadStats struct {
	Rows    int
	Batches int
}

// loader loads transformed rows into a destination.
type loader interface {
	load(ctx context.Context, t *Table, rows iter.Seq2[Row, error]) (LoadStats, error)
}

type bulkLoader struct {
	sink      Sink
	batchSize int
	retry     RetryPolicy
	tracer    tracer

	mu      sync.Mutex
	ensured map[string]bool

	onRetry func(t *Table)
}

func newBulkLoader(sink Sink, batchSize int, retry RetryPolicy) *bulkLoader {
	if batchSize < 1 {
		batchSize = 1
	}
	return &bulkLoader{
		sink:      sink,
		batchSize: batchSize,
		retry:     retry,
		tracer:    newTracer(),
		ensured:   map[string]bool{},
	}
}

// Load writes rows into t through sink in batches of at most batchSize rows,
// creating the table first when needed. Each batch is one transaction,
// retried according to retry.
func Load(ctx context.Context, sink Sink, t *Table, rows []Row, batchSize int, retry RetryPolicy) (LoadStats, error) {
	seq := func(yield func(Row, error) bool) {
		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
	return newBulkLoader(sink, batchSize, retry).load(ctx, t, seq)
}

// load consumes rows, writing a batch whenever batchSize rows are pending.
// When rows yields an error the pending rows are still written before the
// error is returned, so pages that were extracted successfully are kept.
func (l *bulkLoader) load(ctx context.Context, t *Table, rows iter.Seq2[Row, error]) (LoadStats, error) {
	var stats LoadStats

	if err := l.ensure(ctx, t); err != nil {
		return stats, err
	}

	keyIdx, err := t.keyIndexes()
	if err != nil {
		return stats, err
	}

	batch := make([]Row, 0, l.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		b := dedupe(batch, keyIdx)
		if err := l.write(ctx, t, stats.Batches+1, b); err != nil {
			return err
		}
		stats.Batches++
		stats.Rows += len(b)
		batch = make([]Row, 0, l.batchSize)
		return nil
	}

	for row, srcErr := range rows {
		if srcErr != nil {
			if err := flush(); err != nil {
				return stats, err
			}
			return stats, srcErr
		}
		batch = append(batch, row)
		if len(batch) >= l.batchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}

	return stats, flush()
}

func (l *bulkLoader) ensure(ctx context.Context, t *Table) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	name := t.QualifiedName()
	if l.ensured[name] {
		return nil
	}

	attempts, err := l.retry.Do(ctx, func(ctx context.Context) error {
		return l.sink.EnsureTable(ctx, t)
	}, nil)
	if err != nil {
		return &WriteError{Table: name, Attempts: attempts, Err: xerrors.Errorf("failed to ensure table: %w", err)}
	}
	l.ensured[name] = true

	return nil
}

func (l *bulkLoader) write(ctx context.Context, t *Table, n int, batch []Row) error {
	ctx, span := l.tracer.Start(ctx, "mermaidetl.WriteBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("mermaid.table", t.QualifiedName()),
		attribute.Int("mermaid.batch", n),
		attribute.Int("mermaid.rows", len(batch)),
	)

	lg := log.Ctx(ctx)
	started := time.Now()

	attempts, err := l.retry.Do(ctx, func(ctx context.Context) error {
		return l.sink.Upsert(ctx, t, batch)
	}, func(err error, wait time.Duration) {
		lg.Warn().Err(err).Int("batch", n).Dur("wait", wait).Msg("batch write failed, retrying")
		if l.onRetry != nil {
			l.onRetry(t)
		}
	})
	if err != nil {
		span.RecordError(err)
		return &WriteError{Table: t.QualifiedName(), Batch: n, Rows: len(batch), Attempts: attempts, Err: err}
	}

	lg.Debug().
		Int("batch", n).
		Int("rows", len(batch)).
		Dur("elapsed", time.Since(started)).
		Msg("batch committed")

	return nil
}

// dedupe drops rows whose natural key reappears later in the batch. The
// surviving row keeps the position of the first occurrence and the values
// of the last one.
func dedupe(batch []Row, keyIdx []int) []Row {
	out := make([]Row, 0, len(batch))
	pos := make(map[string]int, len(batch))
	for _, r := range batch {
		k := rowKey(r, keyIdx)
		if i, ok := pos[k]; ok {
			out[i] = r
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}
	return out
}

func rowKey(r Row, keyIdx []int) string {
	var sb strings.Builder
	for i, idx := range keyIdx {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		fmt.Fprint(&sb, r[idx])
	}
	return sb.String()
}
