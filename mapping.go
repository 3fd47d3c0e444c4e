package mermaidetl

import (
	"fmt"
	"strings"
)

// Provenance columns added to every destination row.
const (
	ColumnProjectID   = "etl_project_id"
	ColumnExtractedAt = "etl_extracted_at"
)

// ColumnSpec declares one destination column: where its value comes from in
// a raw record and which semantic type it is coerced to.
type ColumnSpec struct {
	Name string
	// Path is a dotted path into the record. It defaults to Name.
	Path string
	Type FieldType
	// Default replaces a missing source value.
	Default any
	// Derive computes the raw value from the whole record instead of Path.
	Derive func(Record) any
}

func (c ColumnSpec) path() string {
	if c.Path != "" {
		return c.Path
	}
	return c.Name
}

// Mapping is the static description of one survey type: its endpoint, its
// destination table and how raw records become rows.
type Mapping struct {
	Survey SurveyType
	// Endpoint is the per-project API path below projects/<id>/.
	Endpoint  string
	TableName string
	// ExpandPath names an array of nested observations. A record carrying it
	// becomes one record per element.
	ExpandPath string
	// Key lists the natural key columns.
	Key     []string
	Columns []ColumnSpec
}

// Column is a destination column.
type Column struct {
	Name string
	Type FieldType
}

// Table describes a destination table.
type Table struct {
	Schema  string
	Name    string
	Columns []Column
	Key     []string
}

// QualifiedName returns schema.name, or name when no schema is set.
func (t *Table) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// ColumnNames returns the column names in row order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// keyIndexes returns the row positions of the natural key columns.
func (t *Table) keyIndexes() ([]int, error) {
	idx := make([]int, 0, len(t.Key))
	for _, k := range t.Key {
		found := false
		for i, c := range t.Columns {
			if c.Name == k {
				idx = append(idx, i)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("key column %s not in table %s", k, t.Name)
		}
	}
	return idx, nil
}

// Table returns the destination table of the mapping in schema.
func (m *Mapping) Table(schema string) *Table {
	cols := make([]Column, 0, len(m.Columns)+2)
	for _, c := range m.Columns {
		cols = append(cols, Column{Name: c.Name, Type: c.Type})
	}
	cols = append(cols,
		Column{Name: ColumnProjectID, Type: TypeText},
		Column{Name: ColumnExtractedAt, Type: TypeTimestamp},
	)

	return &Table{
		Schema:  schema,
		Name:    m.TableName,
		Columns: cols,
		Key:     append([]string(nil), m.Key...),
	}
}

// lookup resolves a dotted path in a record.
func lookup(r Record, path string) any {
	var cur any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

// sampleDateTime joins sample_date and sample_time into one ISO-8601 value.
// A missing time means midnight.
func sampleDateTime(r Record) any {
	d, ok := r["sample_date"].(string)
	if !ok || strings.TrimSpace(d) == "" {
		return nil
	}
	d = strings.TrimSpace(d)
	if len(d) > len("2006-01-02") {
		d = d[:len("2006-01-02")]
	}

	t, _ := r["sample_time"].(string)
	t = strings.TrimSpace(t)
	switch len(t) {
	case 0:
		t = "00:00:00"
	case len("15:04"):
		t += ":00"
	}

	return d + "T" + t
}

func text(name string) ColumnSpec      { return ColumnSpec{Name: name, Type: TypeText} }
func id(name string) ColumnSpec        { return ColumnSpec{Name: name, Type: TypeUUID} }
func float(name string) ColumnSpec     { return ColumnSpec{Name: name, Type: TypeFloat} }
func integer(name string) ColumnSpec   { return ColumnSpec{Name: name, Type: TypeInteger} }
func timestamp(name string) ColumnSpec { return ColumnSpec{Name: name, Type: TypeTimestamp} }

// surveyColumns are shared by every observation endpoint: project, site,
// management and sample metadata.
func surveyColumns() []ColumnSpec {
	return []ColumnSpec{
		id("id"),
		id("project_id"),
		text("project_name"),
		text("project_admins"),
		text("project_notes"),
		id("country_id"),
		text("country_name"),
		text("contact_link"),
		text("tags"),
		id("site_id"),
		text("site_name"),
		float("latitude"),
		float("longitude"),
		text("reef_exposure"),
		text("reef_slope"),
		text("reef_type"),
		text("reef_zone"),
		text("site_notes"),
		text("tide_name"),
		text("visibility_name"),
		text("current_name"),
		text("relative_depth"),
		float("depth"),
		id("management_id"),
		text("management_name"),
		text("management_name_secondary"),
		integer("management_est_year"),
		float("management_size"),
		text("management_parties"),
		text("management_compliance"),
		text("management_rules"),
		text("management_notes"),
		timestamp("sample_date"),
		text("sample_time"),
		{Name: "sample_datetime", Type: TypeTimestamp, Derive: sampleDateTime},
		id("sample_event_id"),
		id("sample_unit_id"),
		text("sample_unit_notes"),
		text("label"),
		text("observers"),
		float("transect_length"),
		integer("transect_number"),
		timestamp("created_on"),
		timestamp("updated_on"),
	}
}

var naturalKey = []string{"sample_unit_id", "id"}

// FishMapping maps belt transect fish observations.
var FishMapping = &Mapping{
	Survey:     SurveyFish,
	Endpoint:   "beltfishes/obstransectbeltfishes/",
	TableName:  "beltfish_surveys",
	ExpandPath: "obs_belt_fishes",
	Key:        naturalKey,
	Columns: append(surveyColumns(),
		text("transect_width_name"),
		text("size_bin"),
		text("fish_family"),
		text("fish_genus"),
		text("fish_taxon"),
		text("trophic_group"),
		float("trophic_level"),
		text("functional_group"),
		float("vulnerability"),
		float("size"),
		integer("count"),
		float("biomass_constant_a"),
		float("biomass_constant_b"),
		float("biomass_constant_c"),
		ColumnSpec{Name: "biomass_kgha", Type: TypeFloat, Default: 0.0},
		text("data_policy_beltfish"),
	),
}

// CoralMapping maps benthic point intercept observations.
var CoralMapping = &Mapping{
	Survey:     SurveyCoral,
	Endpoint:   "benthicpits/obstransectbenthicpits/",
	TableName:  "benthic_surveys",
	ExpandPath: "obs_benthic_pits",
	Key:        naturalKey,
	Columns: append(surveyColumns(),
		float("interval_size"),
		float("interval_start"),
		float("interval"),
		text("benthic_category"),
		text("benthic_attribute"),
		text("growth_form"),
		text("data_policy_benthicpit"),
	),
}

// PhotoQuadratMapping maps benthic photo quadrat observations.
var PhotoQuadratMapping = &Mapping{
	Survey:     SurveyPhotoQuadrat,
	Endpoint:   "benthicpqts/obstransectbenthicpqts/",
	TableName:  "benthic_photo_quadrat_surveys",
	ExpandPath: "obs_benthic_photo_quadrats",
	Key:        naturalKey,
	Columns: append(surveyColumns(),
		ColumnSpec{Name: "quadrat_size", Type: TypeFloat, Default: 0.0},
		ColumnSpec{Name: "num_quadrats", Type: TypeInteger, Default: int64(0)},
		ColumnSpec{Name: "num_points_per_quadrat", Type: TypeInteger, Default: int64(0)},
		integer("quadrat_number"),
		ColumnSpec{Name: "num_points", Type: TypeInteger, Default: int64(0)},
		text("benthic_category"),
		text("benthic_attribute"),
		text("growth_form"),
		text("data_policy_benthicpqt"),
	),
}
