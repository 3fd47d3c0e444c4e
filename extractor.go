package mermaidetl

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// extractor extracts raw survey records from a source such as the MERMAID API.
type extractor interface {
	extract(ctx context.Context, projectID string, survey SurveyType) iter.Seq2[Record, error]
}

type surveyExtractor struct {
	client   *Client
	pageSize int
	archive  Archive
}

func newSurveyExtractor(client *Client, pageSize int, archive Archive) extractor {
	return &surveyExtractor{client: client, pageSize: pageSize, archive: archive}
}

// extract lazily yields every record of one project's survey type. Pages are
// fetched in pagination order, each page being retried on its own by the
// client; a page that still fails ends the sequence with its error. Nested
// observations are expanded into one record each; nested elements that are
// not objects are yielded as errors wrapping ErrSkipRecord and the sequence
// goes on. Every call starts again from the first page.
func (e *surveyExtractor) extract(ctx context.Context, projectID string, survey SurveyType) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		m, err := survey.Mapping()
		if err != nil {
			yield(nil, err)
			return
		}

		l := log.Ctx(ctx)
		endpoint := survey.Endpoint(projectID)

		params := url.Values{}
		if e.pageSize > 0 {
			params.Set("limit", strconv.Itoa(e.pageSize))
		}

		tokens := map[string]struct{}{}
		token := ""
		for n := 1; ; n++ {
			page, err := e.client.FetchPage(ctx, endpoint, params, token)
			if err != nil {
				yield(nil, xerrors.Errorf("failed to fetch page %d of %s: %w", n, endpoint, err))
				return
			}
			l.Debug().Int("page", n).Int("records", len(page.Records)).Int("count", page.Count).Msg("fetched page")

			if e.archive != nil {
				e.archivePage(ctx, projectID, survey, n, page)
			}

			for _, rec := range page.Records {
				records, dropped := m.Expand(rec)
				for range dropped {
					err := xerrors.Errorf("%s of sample unit %v holds a non-object element: %w",
						m.ExpandPath, lookup(rec, "sample_unit_id"), ErrSkipRecord)
					if !yield(nil, err) {
						return
					}
				}
				for _, r := range records {
					if !yield(r, nil) {
						return
					}
				}
			}

			if page.Next == "" {
				return
			}
			if _, loop := tokens[page.Next]; loop {
				yield(nil, &FetchError{URL: page.Next, Err: xerrors.Errorf("pagination cycle after page %d", n)})
				return
			}
			tokens[page.Next] = struct{}{}
			token = page.Next
		}
	}
}

// archivePage stores the raw page for manual replay. Failures are logged only.
func (e *surveyExtractor) archivePage(ctx context.Context, projectID string, survey SurveyType, n int, page *Page) {
	l := log.Ctx(ctx)

	runID, _ := RunIDFrom(ctx)
	key := fmt.Sprintf("%s/%s/%s/page-%04d.json", runID, survey, projectID, n)

	body, err := json.Marshal(page.Records)
	if err != nil {
		l.Warn().Err(err).Str("key", key).Msg("failed to encode page for archive")
		return
	}
	if err := e.archive.Put(ctx, key, body); err != nil {
		l.Warn().Err(err).Str("key", key).Msg("failed to archive page")
	}
}
