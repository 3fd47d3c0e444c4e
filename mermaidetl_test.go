package mermaidetl

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var fixedNow = time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

func testConfig(api *fakeAPI, surveys ...SurveyType) Config {
	cfg := DefaultConfig()
	cfg.API.BaseURL = api.URL
	cfg.API.Token = "secret"
	cfg.PageSize = 100
	cfg.BatchSize = 50
	cfg.Parallelism = 2
	cfg.Retry = RetryConfig{MaxAttempts: 3, BaseDelayMillis: 1, MaxDelayMillis: 2}
	cfg.Destination = DestinationConfig{Driver: "sqlite", Schema: defaultSchema}
	for _, s := range surveys {
		cfg.Surveys = append(cfg.Surveys, string(s))
	}
	return cfg
}

type testNotifier struct {
	mu      sync.Mutex
	results []*RunResult
}

func (n *testNotifier) Notify(_ context.Context, r *RunResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, r)
	return nil
}

func newTestPipeline(t *testing.T, cfg Config, sink Sink, opts ...Option) *pipeline {
	t.Helper()

	opts = append([]Option{
		WithLogLevel("error"),
		WithSink(sink),
		WithClock(func() time.Time { return fixedNow }),
	}, opts...)

	p, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	return p.(*pipeline)
}

// dump returns the table ordered by natural key, without the skip columns.
func dump(t *testing.T, s *SQLSink, table *Table, skip ...string) [][]any {
	t.Helper()

	rows, err := s.DB().Query(`SELECT * FROM ` + SQLite.Table(table) + ` ORDER BY "sample_unit_id", "id"`)
	if err != nil {
		t.Fatalf("failed to select: %v", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		t.Fatal(err)
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			t.Fatalf("failed to scan: %v", err)
		}
		kept := make([]any, 0, len(vals))
		for i, v := range vals {
			if !slices.Contains(skip, cols[i]) {
				kept = append(kept, v)
			}
		}
		out = append(out, kept)
	}
	return out
}

func TestPipeline_Run(t *testing.T) {
	api := newFakeAPI(t)
	api.set("/projects/", projectRecords("p1"))
	api.set(surveyPath("p1", SurveyFish), beltfishRecords("p1", 150))

	sink := openTestSink(t)
	tn := &testNotifier{}
	cfg := testConfig(api, SurveyFish)
	cfg.Notify.On = "always"

	p := newTestPipeline(t, cfg, sink, WithPrettyLogging(), WithNotifier(tn))

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if res.Status != StatusSuccess {
		t.Fatalf("Status should be success, but %s: %s", res.Status, res.Summary())
	}
	if len(res.Units) != 1 {
		t.Fatalf("Size of units should be 1, but %d", len(res.Units))
	}

	u := res.Units[0]
	if u.Extracted != 150 || u.Rows != 150 || u.Batches != 3 || u.Skipped != 0 {
		t.Errorf("Unit should extract 150 records into 150 rows in 3 batches, but %+v", u)
	}

	table := FishMapping.Table(defaultSchema)
	if n := countRows(t, sink, table); n != 150 {
		t.Errorf("Table should hold 150 rows, but %d", n)
	}

	if got := testutil.ToFloat64(p.metrics.loaded.WithLabelValues("fish")); got != 150 {
		t.Errorf("rows_loaded_total should be 150, but %v", got)
	}
	if got := testutil.ToFloat64(p.metrics.units.WithLabelValues("fish", "success")); got != 1 {
		t.Errorf("units_total{outcome=success} should be 1, but %v", got)
	}

	if len(tn.results) != 1 || tn.results[0] != res {
		t.Errorf("Notifier should receive the run result once, but %d times", len(tn.results))
	}
}

func TestPipeline_Run_idempotent(t *testing.T) {
	api := newFakeAPI(t)
	api.set("/projects/", projectRecords("p1", "p2"))
	for _, id := range []string{"p1", "p2"} {
		api.set(surveyPath(id, SurveyFish), beltfishRecords(id, 40))
		api.set(surveyPath(id, SurveyCoral), []map[string]any{})
		api.set(surveyPath(id, SurveyPhotoQuadrat), []map[string]any{})
	}

	// every run starts an hour after the previous one
	var mu sync.Mutex
	now := fixedNow
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Hour)
		return now
	}

	sink := openTestSink(t)
	p := newTestPipeline(t, testConfig(api), sink, WithClock(clock))
	table := FishMapping.Table(defaultSchema)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	first := dump(t, sink, table, ColumnExtractedAt)
	firstExtracted := extractedAt(t, sink, table)

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("Status should be success, but %s", res.Status)
	}
	if len(res.Units) != 6 {
		t.Errorf("Size of units should be 6, but %d", len(res.Units))
	}

	second := dump(t, sink, table, ColumnExtractedAt)
	if len(second) != 80 {
		t.Errorf("Table should hold 80 rows, but %d", len(second))
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Second run changed the table (-first +second):\n%s", diff)
	}

	// provenance records the latest extraction
	if got := extractedAt(t, sink, table); len(got) != 1 || cmp.Equal(got, firstExtracted) {
		t.Errorf("%s should hold the second run start only, but %v (first run %v)", ColumnExtractedAt, got, firstExtracted)
	}
}

func extractedAt(t *testing.T, s *SQLSink, table *Table) []any {
	t.Helper()

	rows, err := s.DB().Query(`SELECT DISTINCT "` + ColumnExtractedAt + `" FROM ` + SQLite.Table(table))
	if err != nil {
		t.Fatalf("failed to select: %v", err)
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("failed to scan: %v", err)
		}
		out = append(out, v)
	}
	return out
}

func TestPipeline_Run_isolatesFailures(t *testing.T) {
	api := newFakeAPI(t)
	api.set("/projects/", projectRecords("p1", "p2", "p3"))
	for _, id := range []string{"p1", "p2", "p3"} {
		api.set(surveyPath(id, SurveyFish), beltfishRecords(id, 5))
	}
	api.fail(surveyPath("p2", SurveyFish), 500, 500, 500, 500, 500, 500)

	sink := openTestSink(t)
	tn := &testNotifier{}
	p := newTestPipeline(t, testConfig(api, SurveyFish), sink, WithNotifier(tn))

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if res.Status != StatusDegraded {
		t.Errorf("Status should be degraded, but %s", res.Status)
	}

	failed := res.Failed()
	if len(failed) != 1 || failed[0].ProjectID != "p2" {
		t.Fatalf("Only p2 should fail, but %v", failed)
	}
	var te *TransientFetchError
	if !errors.As(failed[0].Err, &te) {
		t.Errorf("p2 should fail with *TransientFetchError, but %v", failed[0].Err)
	}

	for _, u := range res.Units {
		if u.ProjectID != "p2" && u.Rows != 5 {
			t.Errorf("%s should load 5 rows, but %d", u.Unit, u.Rows)
		}
	}

	if len(tn.results) != 1 {
		t.Errorf("Degraded runs should be notified, but %d notifications", len(tn.results))
	}
	if got := testutil.ToFloat64(p.metrics.fetchRetries.WithLabelValues(endpointLabel(SurveyFish.Endpoint("p2")))); got != 2 {
		t.Errorf("fetch_retries_total should be 2, but %v", got)
	}
}

func TestPipeline_Run_allUnitsFail(t *testing.T) {
	api := newFakeAPI(t)
	api.set("/projects/", projectRecords("p1"))

	p := newTestPipeline(t, testConfig(api, SurveyCoral), openTestSink(t))

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("Status should be failed, but %s", res.Status)
	}

	var fe *FetchError
	if !errors.As(res.Units[0].Err, &fe) || fe.StatusCode != http.StatusNotFound {
		t.Errorf("Unit should fail with a 404 *FetchError, but %v", res.Units[0].Err)
	}
}

func TestPipeline_Run_discoveryFailure(t *testing.T) {
	api := newFakeAPI(t)
	api.fail("/projects/", 503, 503, 503)

	sink := openTestSink(t)
	tn := &testNotifier{}
	p := newTestPipeline(t, testConfig(api), sink, WithNotifier(tn))

	res, err := p.Run(context.Background())

	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("Error should be *DiscoveryError, but %v", err)
	}
	if res == nil || res.Status != StatusFatal {
		t.Fatalf("Status should be fatal, but %+v", res)
	}
	if len(res.Units) != 0 {
		t.Errorf("No unit should run, but %d", len(res.Units))
	}
	if len(tn.results) != 1 {
		t.Errorf("Fatal runs should be notified, but %d notifications", len(tn.results))
	}
}

func TestPipeline_Run_projectOverride(t *testing.T) {
	api := newFakeAPI(t)
	api.set(surveyPath("p9", SurveyFish), beltfishRecords("p9", 3))

	cfg := testConfig(api, SurveyFish)
	cfg.ProjectIDs = []string{"p9", " p9 ", ""}

	res, err := newTestPipeline(t, cfg, openTestSink(t)).Run(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if diff := cmp.Diff([]string{"p9"}, res.Projects); diff != "" {
		t.Errorf("Projects mismatch (-want +got):\n%s", diff)
	}
	if api.count("/projects/") != 0 {
		t.Error("Discovery should be skipped")
	}
	if res.Rows() != 3 {
		t.Errorf("Rows should be 3, but %d", res.Rows())
	}
}

func TestPipeline_Run_skipsBadRecords(t *testing.T) {
	api := newFakeAPI(t)
	records := beltfishRecords("p1", 4)
	records[1]["sample_unit_id"] = "not-a-uuid"
	records[2]["obs_belt_fishes"] = []any{map[string]any{"id": nil}}
	records[3]["depth"] = "very"
	records[3]["obs_belt_fishes"] = append(records[3]["obs_belt_fishes"].([]any), "garbage")
	api.set(surveyPath("p1", SurveyFish), records)

	cfg := testConfig(api, SurveyFish)
	cfg.ProjectIDs = []string{"p1"}

	res, err := newTestPipeline(t, cfg, openTestSink(t)).Run(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	u := res.Units[0]
	if u.Err != nil {
		t.Fatalf("Skipped records should not fail the unit, but %v", u.Err)
	}
	if u.Extracted != 4 || u.Skipped != 3 || u.Rows != 2 || u.Warnings != 1 {
		t.Errorf("Unit should extract 4, skip 3, load 2 and warn once, but %+v", u)
	}
}

func TestPipeline_Run_unitTimeout(t *testing.T) {
	api := newFakeAPI(t)
	api.set(surveyPath("p1", SurveyFish), beltfishRecords("p1", 1))

	cfg := testConfig(api, SurveyFish)
	cfg.ProjectIDs = []string{"p1"}
	cfg.UnitTimeoutSeconds = 1

	p := newTestPipeline(t, cfg, openTestSink(t))
	p.extractor = blockingExtractor{}

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !errors.Is(res.Units[0].Err, context.DeadlineExceeded) {
		t.Errorf("Unit should fail with context.DeadlineExceeded, but %v", res.Units[0].Err)
	}
}

// blockingExtractor yields nothing until the context is done.
type blockingExtractor struct{}

func (blockingExtractor) extract(ctx context.Context, _ string, _ SurveyType) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		<-ctx.Done()
		yield(nil, fmt.Errorf("extract: %w", ctx.Err()))
	}
}

func TestNew_invalidConfig(t *testing.T) {
	api := newFakeAPI(t)
	cfg := testConfig(api)
	cfg.BatchSize = 0

	if _, err := New(context.Background(), cfg, WithSink(openTestSink(t))); err == nil {
		t.Error("expected error but no error occurred")
	}
	if _, err := New(context.Background(), testConfig(api), WithConcurrency(0)); err == nil {
		t.Error("expected error but no error occurred")
	}
}

func TestNew_closesArchiveWhenSinkFails(t *testing.T) {
	archive := &testArchive{}
	orig := openArchive
	openArchive = func(context.Context, ArchiveConfig) (Archive, error) { return archive, nil }
	t.Cleanup(func() { openArchive = orig })

	api := newFakeAPI(t)
	cfg := testConfig(api)
	cfg.Archive.URL = "gs://raw/mermaid"
	cfg.Destination.DSN = filepath.Join(t.TempDir(), "missing", "dir", "etl.db")

	if _, err := New(context.Background(), cfg, WithLogLevel("error")); err == nil {
		t.Fatal("expected error but no error occurred")
	}
	if !archive.closed {
		t.Error("Archive should be closed when the destination cannot be opened")
	}
}

func TestPipeline_Close_keepsInjectedArchive(t *testing.T) {
	archive := &testArchive{}
	api := newFakeAPI(t)

	p := newTestPipeline(t, testConfig(api), openTestSink(t), WithArchive(archive))
	if err := p.Close(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if archive.closed {
		t.Error("Archives given with WithArchive belong to the caller")
	}
}

func TestEndpointLabel(t *testing.T) {
	got := endpointLabel("projects/6f8e1c4a/beltfishes/obstransectbeltfishes/")
	if got != "projects/{id}/beltfishes/obstransectbeltfishes/" {
		t.Errorf("Unexpected label %q", got)
	}
}
