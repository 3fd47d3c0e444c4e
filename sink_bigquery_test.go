package mermaidetl

import (
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/go-cmp/cmp"
)

func TestMergeStatement(t *testing.T) {
	table := testTable()
	table.Schema = "mermaid_source"

	got := MergeStatement("reefs", table, "obs_staging_1")
	want := "MERGE `reefs.mermaid_source.obs` T\n" +
		"USING `reefs.mermaid_source.obs_staging_1` S\n" +
		"ON T.`sample_unit_id` = S.`sample_unit_id` AND T.`id` = S.`id`\n" +
		"WHEN MATCHED THEN\n" +
		"  UPDATE SET `value` = S.`value`, `note` = S.`note`\n" +
		"WHEN NOT MATCHED THEN\n" +
		"  INSERT (`sample_unit_id`, `id`, `value`, `note`) VALUES (S.`sample_unit_id`, S.`id`, S.`value`, S.`note`)"

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MergeStatement mismatch (-want +got):\n%s", diff)
	}
}

func TestBigQuerySchema(t *testing.T) {
	table := PhotoQuadratMapping.Table(defaultSchema)
	schema := bigQuerySchema(table)

	if len(schema) != len(table.Columns) {
		t.Fatalf("Size of schema should be %d, but %d", len(table.Columns), len(schema))
	}

	byName := map[string]*bigquery.FieldSchema{}
	for _, f := range schema {
		byName[f.Name] = f
	}
	if f := byName["num_points"]; f.Type != bigquery.IntegerFieldType {
		t.Errorf("num_points should be INTEGER, but %s", f.Type)
	}
	if f := byName["sample_unit_id"]; f.Type != bigquery.StringFieldType || !f.Required {
		t.Errorf("sample_unit_id should be a required STRING, but %+v", f)
	}
	if f := byName[ColumnExtractedAt]; f.Type != bigquery.TimestampFieldType {
		t.Errorf("%s should be TIMESTAMP, but %s", ColumnExtractedAt, f.Type)
	}

	ddl := BigQueryDDL("reefs", table)
	if !strings.Contains(ddl, "`num_points` INT64") || !strings.Contains(ddl, "`sample_unit_id` STRING NOT NULL") {
		t.Errorf("Unexpected DDL:\n%s", ddl)
	}
}

func TestCSVRecords(t *testing.T) {
	rows := []Row{
		{"a, b", int64(3), 0.5, true, nil, time.Date(2023, 5, 17, 8, 30, 0, 1000, time.FixedZone("X", 3600))},
	}

	want := [][]string{
		{"a, b", "3", "0.5", "true", "", "2023-05-17 07:30:00.000001 UTC"},
	}
	if diff := cmp.Diff(want, csvRecords(rows)); diff != "" {
		t.Errorf("csvRecords mismatch (-want +got):\n%s", diff)
	}
}
