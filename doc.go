/*

Package mermaidetl copies coral reef survey observations from the MERMAID
REST API into a relational warehouse.

A run discovers the projects carrying a tag, then, for every project and
survey type (belt fish, benthic point intercept, benthic photo quadrat),
pages through the observation endpoint, flattens nested observations,
coerces each field to its column type and upserts the rows in batches.
Every (project, survey type) pair is an independent unit: a unit that fails
is reported in the RunResult while the others keep loading.

Getting started

	cfg, err := mermaidetl.LoadConfig("mermaidetl.json5")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	res, err := mermaidetl.Run(ctx, cfg, mermaidetl.WithPrettyLogging())
	if err != nil {
		// discovery failed, nothing was loaded
		return err
	}
	fmt.Println(res.Summary())

Destinations

Postgres (driver "postgres", through pgx), SQLite (driver "sqlite") and
BigQuery (driver "bigquery") are supported. Tables are created on first use
with a primary key on (sample_unit_id, id) and gain new columns when the
mappings grow. Re-running over the same source data converges to the same
table contents.

Credentials

The API token and the database DSN are read from MERMAID_API_TOKEN and
MERMAID_DATABASE_URL when set.

*/
package mermaidetl
