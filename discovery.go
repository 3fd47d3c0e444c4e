package mermaidetl

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

const projectsEndpoint = "projects/"

// ListProjects returns the IDs of every project carrying tag, in API order
// and without duplicates. An empty tag lists all projects. Any failure is
// reported as a *DiscoveryError.
func (c *Client) ListProjects(ctx context.Context, tag string) ([]string, error) {
	l := log.Ctx(ctx)

	params := url.Values{}
	params.Set("showall", "true")
	if tag != "" {
		params.Set("tags", tag)
	}

	var ids []string
	seen := map[string]struct{}{}
	tokens := map[string]struct{}{}
	token := ""

	for {
		page, err := c.FetchPage(ctx, projectsEndpoint, params, token)
		if err != nil {
			return nil, &DiscoveryError{Tag: tag, Err: err}
		}

		for i, p := range page.Records {
			id := strings.TrimSpace(fmt.Sprint(p["id"]))
			if p["id"] == nil || id == "" {
				l.Warn().Int("index", i).Msg("project without id in listing")
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}

		if page.Next == "" {
			break
		}
		if _, loop := tokens[page.Next]; loop {
			return nil, &DiscoveryError{Tag: tag, Err: xerrors.Errorf("pagination cycle at %s", page.Next)}
		}
		tokens[page.Next] = struct{}{}
		token = page.Next
	}

	l.Info().Str("tag", tag).Int("projects", len(ids)).Msg("discovered projects")

	return ids, nil
}
