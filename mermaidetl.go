package mermaidetl

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Pipeline loads MERMAID survey observations into the warehouse.
type Pipeline interface {
	// Run discovers projects and loads every (project, survey type) unit.
	// Unit failures are reported in the result; the returned error is only
	// set when the run could not start, e.g. because discovery failed.
	Run(ctx context.Context) (*RunResult, error)
	// Registry exposes the pipeline metrics.
	Registry() *prometheus.Registry
	Close() error
}

type pipeline struct {
	cfg     Config
	surveys []SurveyType

	client    *Client
	extractor extractor
	loader    *bulkLoader
	sink        Sink
	ownsSink    bool
	archive     Archive
	ownsArchive bool
	notifiers   []Notifier

	logger        *zerolog.Logger
	logLevel      zerolog.Level
	prettyLogging bool

	parallelism int
	httpClient  *http.Client
	now         func() time.Time
	registry    *prometheus.Registry
	metrics     *metrics
	tracer      tracer
}

// openArchive is replaced in tests.
var openArchive = OpenArchive

// New builds a Pipeline. The destination is opened unless WithSink is given.
func New(ctx context.Context, cfg Config, opts ...Option) (_ Pipeline, err error) {
	p := &pipeline{
		cfg:         cfg,
		logLevel:    zerolog.InfoLevel,
		parallelism: cfg.Parallelism,
		now:         time.Now,
		tracer:      newTracer(),
	}

	for _, o := range opts {
		if err := o.apply(p); err != nil {
			return nil, xerrors.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.validateRun(); err != nil {
		return nil, xerrors.Errorf("invalid config: %w", err)
	}
	surveys, err := cfg.SurveyTypes()
	if err != nil {
		return nil, err
	}
	p.surveys = surveys
	if p.parallelism < 1 {
		p.parallelism = 1
	}

	if p.logger == nil {
		var w = os.Stderr
		l := zerolog.New(w).With().Timestamp().Logger()
		if p.prettyLogging {
			l = l.Output(zerolog.ConsoleWriter{Out: w})
		}
		l = l.Level(p.logLevel)
		p.logger = &l
	}
	ctx = p.logger.WithContext(ctx)

	p.metrics = newMetrics(p.registry)

	clientCfg := cfg.ClientConfig()
	clientCfg.HTTPClient = p.httpClient
	p.client = NewClient(clientCfg)
	p.client.hooks.onRetry = func(endpoint string) {
		p.metrics.fetchRetries.WithLabelValues(endpointLabel(endpoint)).Inc()
	}

	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	if p.archive == nil && cfg.Archive.URL != "" {
		a, err := openArchive(ctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
		p.archive = a
		p.ownsArchive = true
	}
	if p.extractor == nil {
		p.extractor = newSurveyExtractor(p.client, cfg.PageSize, p.archive)
	}

	if p.sink == nil {
		if err := cfg.Destination.Validate(); err != nil {
			return nil, xerrors.Errorf("invalid config: %w", err)
		}
		s, err := OpenSink(ctx, cfg.Destination)
		if err != nil {
			return nil, err
		}
		p.sink = s
		p.ownsSink = true
	}
	p.loader = newBulkLoader(p.sink, cfg.BatchSize, cfg.RetryPolicy())
	p.loader.onRetry = func(t *Table) {
		p.metrics.writeRetries.WithLabelValues(t.Name).Inc()
	}

	p.notifiers = append(cfg.Notify.Notifiers(), p.notifiers...)

	return p, nil
}

// Run builds a Pipeline from cfg, runs it once and closes it.
func Run(ctx context.Context, cfg Config, opts ...Option) (*RunResult, error) {
	p, err := New(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("failed to close pipeline")
		}
	}()

	return p.Run(ctx)
}

func (p *pipeline) Registry() *prometheus.Registry { return p.metrics.registry }

// Close releases the destination and archive the pipeline opened itself.
func (p *pipeline) Close() error {
	var errs []error
	if p.ownsSink {
		errs = append(errs, p.sink.Close())
	}
	if p.ownsArchive {
		errs = append(errs, p.archive.Close())
	}
	return errors.Join(errs...)
}

func (p *pipeline) Run(ctx context.Context) (*RunResult, error) {
	runID := uuid.NewString()
	started := p.now().UTC()

	l := p.logger.With().Str("run_id", runID).Logger()
	ctx = l.WithContext(withRun(ctx, runID, started))

	ctx, span := p.tracer.Start(ctx, "mermaidetl.Run")
	defer span.End()
	span.SetAttributes(attribute.String("mermaid.run_id", runID))

	l.Info().Msg("run started")

	res := &RunResult{RunID: runID, StartedAt: started}

	projects, err := p.projects(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery failed")
		l.Error().Err(err).Msg("project discovery failed")

		res.Status = StatusFatal
		res.Err = err
		res.FinishedAt = p.now().UTC()
		p.finish(ctx, res)
		return res, err
	}
	res.Projects = projects

	units := make([]Unit, 0, len(projects)*len(p.surveys))
	for _, id := range projects {
		for _, s := range p.surveys {
			units = append(units, Unit{ProjectID: id, Survey: s})
		}
	}
	res.Units = p.runUnits(ctx, units)

	res.Status = statusOf(res.Units)
	res.FinishedAt = p.now().UTC()
	if res.Status != StatusSuccess {
		span.SetStatus(codes.Error, string(res.Status))
	}
	p.finish(ctx, res)

	return res, nil
}

func (p *pipeline) projects(ctx context.Context) ([]string, error) {
	if len(p.cfg.ProjectIDs) > 0 {
		ids := make([]string, 0, len(p.cfg.ProjectIDs))
		seen := map[string]bool{}
		for _, id := range p.cfg.ProjectIDs {
			id = strings.TrimSpace(id)
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		log.Ctx(ctx).Info().Int("projects", len(ids)).Msg("using configured projects")
		return ids, nil
	}
	return p.client.ListProjects(ctx, p.cfg.Tag)
}

type unitOutcome struct {
	index  int
	result *UnitResult
}

// runUnits runs units on a bounded pool. A failing unit never cancels the
// others. Results keep the order of units.
func (p *pipeline) runUnits(ctx context.Context, units []Unit) []*UnitResult {
	outcomes := make(chan unitOutcome, len(units))

	var g errgroup.Group
	g.SetLimit(p.parallelism)

	go func() {
		for i, u := range units {
			g.Go(func() error {
				outcomes <- unitOutcome{index: i, result: p.runUnit(ctx, u)}
				return nil
			})
		}
		_ = g.Wait()
		close(outcomes)
	}()

	results := make([]*UnitResult, len(units))
	for o := range outcomes {
		results[o.index] = o.result
	}
	return results
}

func (p *pipeline) runUnit(ctx context.Context, u Unit) *UnitResult {
	begin := time.Now()
	res := &UnitResult{Unit: u}

	l := log.Ctx(ctx).With().
		Str("project_id", u.ProjectID).
		Str("survey", string(u.Survey)).
		Logger()
	ctx = l.WithContext(ctx)

	if d := p.cfg.UnitTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	ctx, span := p.tracer.Start(ctx, "mermaidetl.Unit")
	defer span.End()
	span.SetAttributes(
		attribute.String("mermaid.project_id", u.ProjectID),
		attribute.String("mermaid.survey", string(u.Survey)),
	)

	defer func() {
		res.Duration = time.Since(begin)
		p.record(res)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "unit failed")
			l.Error().Err(res.Err).
				Int("rows", res.Rows).
				Int("skipped", res.Skipped).
				Msg("unit failed")
			return
		}
		l.Info().
			Int("extracted", res.Extracted).
			Int("rows", res.Rows).
			Int("batches", res.Batches).
			Int("skipped", res.Skipped).
			Int("warnings", res.Warnings).
			Dur("elapsed", res.Duration).
			Msg("unit loaded")
	}()

	m, err := u.Survey.Mapping()
	if err != nil {
		res.Err = err
		return res
	}
	table := m.Table(p.cfg.Destination.Schema)

	extractedAt, ok := startedTimeFrom(ctx)
	if !ok {
		extractedAt = p.now().UTC()
	}
	prov := Provenance{ProjectID: u.ProjectID, ExtractedAt: extractedAt}

	rows := func(yield func(Row, error) bool) {
		for rec, err := range p.extractor.extract(ctx, u.ProjectID, u.Survey) {
			if errors.Is(err, ErrSkipRecord) {
				res.Skipped++
				l.Warn().Err(err).Msg("record skipped")
				continue
			}
			if err != nil {
				yield(nil, err)
				return
			}
			res.Extracted++

			row, warnings, err := m.transform(ctx, rec, prov)
			res.Warnings += warnings
			if errors.Is(err, ErrSkipRecord) {
				res.Skipped++
				l.Warn().Err(err).Str("natural_key", m.rawKey(rec)).Msg("record skipped")
				continue
			}
			if err != nil {
				yield(nil, err)
				return
			}

			if !yield(row, nil) {
				return
			}
		}
	}

	stats, err := p.loader.load(ctx, table, rows)
	res.Rows = stats.Rows
	res.Batches = stats.Batches
	if err != nil {
		res.Err = xerrors.Errorf("unit %s: %w", u, err)
	}

	return res
}

func (p *pipeline) record(r *UnitResult) {
	s := string(r.Survey)
	p.metrics.extracted.WithLabelValues(s).Add(float64(r.Extracted))
	p.metrics.skipped.WithLabelValues(s).Add(float64(r.Skipped))
	p.metrics.coercionWarn.WithLabelValues(s).Add(float64(r.Warnings))
	p.metrics.loaded.WithLabelValues(s).Add(float64(r.Rows))
	p.metrics.batches.WithLabelValues(s).Add(float64(r.Batches))
	p.metrics.unitDuration.WithLabelValues(s).Observe(r.Duration.Seconds())

	outcome := "success"
	if r.Err != nil {
		outcome = "failure"
	}
	p.metrics.units.WithLabelValues(s, outcome).Inc()
}

// finish logs the summary, pushes metrics and sends notifications. None of
// these change the result.
func (p *pipeline) finish(ctx context.Context, res *RunResult) {
	l := log.Ctx(ctx)

	p.metrics.lastRun.WithLabelValues(string(res.Status)).Set(float64(res.FinishedAt.Unix()))

	ev := l.Info()
	if res.Status != StatusSuccess {
		ev = l.Warn()
	}
	ev.Str("status", string(res.Status)).
		Int("units", len(res.Units)).
		Int("failed_units", len(res.Failed())).
		Int("rows", res.Rows()).
		Msg("run finished")

	if url := p.cfg.Metrics.PushgatewayURL; url != "" {
		if err := p.metrics.push(ctx, url, p.cfg.Metrics.Job); err != nil {
			l.Warn().Err(err).Msg("failed to push metrics")
		}
	}

	if !shouldNotify(p.cfg.Notify.On, res.Status) {
		return
	}
	for _, n := range p.notifiers {
		if err := n.Notify(ctx, res); err != nil {
			l.Warn().Err(err).Msg("failed to notify")
		}
	}
}

// endpointLabel replaces project IDs in an API path so it can be used as a
// metric label.
func endpointLabel(endpoint string) string {
	parts := strings.Split(endpoint, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "projects" && parts[i+1] != "" {
			parts[i+1] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}
