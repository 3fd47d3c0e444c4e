package mermaidetl

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
	"google.golang.org/api/googleapi"
)

var _ Sink = (*BigQuerySink)(nil)

const stagingExpiration = time.Hour

// BigQuerySink loads batches into BigQuery. Table.Schema is used as the
// dataset. Every batch is loaded as CSV into a short-lived staging table and
// merged into the destination with one MERGE statement.
type BigQuerySink struct {
	client   *bigquery.Client
	location string
}

// NewBigQuerySink opens a BigQuery client for project. location applies to
// datasets the sink creates.
func NewBigQuerySink(ctx context.Context, project, location string) (*BigQuerySink, error) {
	bq, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, xerrors.Errorf("failed to build bigquery client: %w", err)
	}
	return &BigQuerySink{client: bq, location: location}, nil
}

func (s *BigQuerySink) Close() error { return s.client.Close() }

func bigQueryFieldType(t FieldType) bigquery.FieldType {
	switch t {
	case TypeInteger:
		return bigquery.IntegerFieldType
	case TypeFloat:
		return bigquery.FloatFieldType
	case TypeBoolean:
		return bigquery.BooleanFieldType
	case TypeTimestamp:
		return bigquery.TimestampFieldType
	}
	return bigquery.StringFieldType
}

func bigQuerySchema(t *Table) bigquery.Schema {
	schema := make(bigquery.Schema, 0, len(t.Columns))
	for _, c := range t.Columns {
		f := &bigquery.FieldSchema{Name: c.Name, Type: bigQueryFieldType(c.Type)}
		for _, k := range t.Key {
			if k == c.Name {
				f.Required = true
			}
		}
		schema = append(schema, f)
	}
	return schema
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}

func (s *BigQuerySink) EnsureTable(ctx context.Context, t *Table) error {
	l := log.Ctx(ctx)

	ds := s.client.Dataset(t.Schema)
	if _, err := ds.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return xerrors.Errorf("failed to get dataset %s: %w", t.Schema, err)
		}
		if err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: s.location}); err != nil {
			return xerrors.Errorf("failed to create dataset %s: %w", t.Schema, err)
		}
		l.Info().Str("dataset", t.Schema).Msg("created dataset")
	}

	table := ds.Table(t.Name)
	md, err := table.Metadata(ctx)
	if err != nil {
		if !isNotFound(err) {
			return xerrors.Errorf("failed to get table %s: %w", t.QualifiedName(), err)
		}
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: bigQuerySchema(t)}); err != nil {
			return xerrors.Errorf("failed to create table %s: %w", t.QualifiedName(), err)
		}
		l.Info().Str("table", t.QualifiedName()).Msg("created table")
		return nil
	}

	existing := map[string]bool{}
	for _, f := range md.Schema {
		existing[f.Name] = true
	}
	schema := append(bigquery.Schema{}, md.Schema...)
	var added []string
	for _, c := range t.Columns {
		if !existing[c.Name] {
			schema = append(schema, &bigquery.FieldSchema{Name: c.Name, Type: bigQueryFieldType(c.Type)})
			added = append(added, c.Name)
		}
	}
	if len(added) == 0 {
		return nil
	}

	if _, err := table.Update(ctx, bigquery.TableMetadataToUpdate{Schema: schema}, md.ETag); err != nil {
		return xerrors.Errorf("failed to add columns to %s: %w", t.QualifiedName(), err)
	}
	l.Info().Str("table", t.QualifiedName()).Strs("columns", added).Msg("added columns")

	return nil
}

func (s *BigQuerySink) Upsert(ctx context.Context, t *Table, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	l := log.Ctx(ctx)

	buf := &bytes.Buffer{}
	if err := csv.NewWriter(buf).WriteAll(csvRecords(rows)); err != nil {
		return xerrors.Errorf("failed to write csv: %w", err)
	}

	ds := s.client.Dataset(t.Schema)
	stagingName := fmt.Sprintf("%s_staging_%s", t.Name, strings.ReplaceAll(uuid.NewString(), "-", ""))
	staging := ds.Table(stagingName)
	schema := bigQuerySchema(t)

	err := staging.Create(ctx, &bigquery.TableMetadata{
		Schema:         schema,
		ExpirationTime: time.Now().Add(stagingExpiration),
	})
	if err != nil {
		return xerrors.Errorf("failed to create staging table %s: %w", stagingName, err)
	}
	defer func() {
		if err := staging.Delete(context.WithoutCancel(ctx)); err != nil {
			l.Warn().Err(err).Str("table", stagingName).Msg("failed to drop staging table")
		}
	}()

	rs := bigquery.NewReaderSource(buf)
	rs.Schema = schema
	loader := staging.LoaderFrom(rs)
	loader.WriteDisposition = bigquery.WriteTruncate

	if err := runJob(ctx, loader); err != nil {
		return xerrors.Errorf("failed to load staging table %s: %w", stagingName, err)
	}

	q := s.client.Query(MergeStatement(s.client.Project(), t, stagingName))
	q.Location = s.location
	if err := runJob(ctx, q); err != nil {
		return xerrors.Errorf("failed to merge into %s: %w", t.QualifiedName(), err)
	}

	return nil
}

type jobRunner interface {
	Run(context.Context) (*bigquery.Job, error)
}

func runJob(ctx context.Context, r jobRunner) error {
	job, err := r.Run(ctx)
	if err != nil {
		return xerrors.Errorf("failed to run job: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return xerrors.Errorf("failed to wait job: %w", err)
	}

	if status.Err() != nil {
		log.Ctx(ctx).Error().Str("job", job.ID()).Msgf("job errors: %v", status.Errors)
		return status.Err()
	}

	return nil
}

// MergeStatement builds the statement upserting the staging table into t.
func MergeStatement(project string, t *Table, staging string) string {
	qualify := func(name string) string {
		return fmt.Sprintf("`%s.%s.%s`", project, t.Schema, name)
	}

	cols := t.ColumnNames()
	on := make([]string, len(t.Key))
	for i, k := range t.Key {
		on[i] = fmt.Sprintf("T.`%s` = S.`%s`", k, k)
	}

	var set []string
	for _, c := range cols {
		isKey := false
		for _, k := range t.Key {
			if k == c {
				isKey = true
			}
		}
		if !isKey {
			set = append(set, fmt.Sprintf("`%s` = S.`%s`", c, c))
		}
	}

	quoted := make([]string, len(cols))
	values := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "`" + c + "`"
		values[i] = "S.`" + c + "`"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "MERGE %s T\nUSING %s S\nON %s\n", qualify(t.Name), qualify(staging), strings.Join(on, " AND "))
	if len(set) > 0 {
		fmt.Fprintf(&sb, "WHEN MATCHED THEN\n  UPDATE SET %s\n", strings.Join(set, ", "))
	}
	fmt.Fprintf(&sb, "WHEN NOT MATCHED THEN\n  INSERT (%s) VALUES (%s)", strings.Join(quoted, ", "), strings.Join(values, ", "))

	return sb.String()
}

// BigQueryDDL returns the CREATE TABLE statement of t in BigQuery SQL.
func BigQueryDDL(project string, t *Table) string {
	defs := make([]string, 0, len(t.Columns))
	for _, f := range bigQuerySchema(t) {
		def := fmt.Sprintf("`%s` %s", f.Name, bigQuerySQLType(f.Type))
		if f.Required {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s.%s.%s` (\n\t%s\n)",
		project, t.Schema, t.Name, strings.Join(defs, ",\n\t"))
}

func bigQuerySQLType(t bigquery.FieldType) string {
	switch t {
	case bigquery.IntegerFieldType:
		return "INT64"
	case bigquery.FloatFieldType:
		return "FLOAT64"
	case bigquery.BooleanFieldType:
		return "BOOL"
	}
	return string(t)
}

// csvRecords renders rows for a CSV load job. NULL is the empty field.
func csvRecords(rows []Row) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		rec := make([]string, len(r))
		for j, v := range r {
			rec[j] = csvValue(v)
		}
		out[i] = rec
	}
	return out
}

func csvValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04:05.999999") + " UTC"
	}
	return fmt.Sprint(v)
}
