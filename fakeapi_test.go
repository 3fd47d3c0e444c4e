package mermaidetl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fastRetry keeps retrying tests quick.
var fastRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// fakeAPI is an in-memory MERMAID API using limit/offset pagination.
type fakeAPI struct {
	*httptest.Server

	mu       sync.Mutex
	lists    map[string][]map[string]any
	failures map[string][]int
	requests map[string]int
	auth     []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()

	api := &fakeAPI{
		lists:    map[string][]map[string]any{},
		failures: map[string][]int{},
		requests: map[string]int{},
	}
	api.Server = httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(api.Close)

	return api
}

// set registers the items listed at path, e.g. "/projects/".
func (a *fakeAPI) set(path string, items []map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lists[path] = items
}

// fail makes the next requests to path answer with the given status codes.
func (a *fakeAPI) fail(path string, codes ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[path] = append(a.failures[path], codes...)
}

func (a *fakeAPI) count(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[path]
}

func (a *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.requests[r.URL.Path]++
	a.auth = append(a.auth, r.Header.Get("Authorization"))
	if codes := a.failures[r.URL.Path]; len(codes) > 0 {
		a.failures[r.URL.Path] = codes[1:]
		a.mu.Unlock()
		http.Error(w, http.StatusText(codes[0]), codes[0])
		return
	}
	items, ok := a.lists[r.URL.Path]
	a.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	end := min(offset+limit, len(items))
	if offset > end {
		offset = end
	}

	var next any
	if end < len(items) {
		q := r.URL.Query()
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(end))
		next = fmt.Sprintf("%s%s?%s", a.URL, r.URL.Path, q.Encode())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"count":   len(items),
		"next":    next,
		"results": items[offset:end],
	})
}

func (a *fakeAPI) client() *Client {
	return NewClient(ClientConfig{BaseURL: a.URL, Token: "secret", Retry: fastRetry})
}

// beltfishRecords builds n transect records with one fish observation each.
// IDs are derived from projectID so projects never share natural keys.
func beltfishRecords(projectID string, n int) []map[string]any {
	id := func(kind string, i int) string {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%s/%d", projectID, kind, i))).String()
	}

	out := make([]map[string]any, n)
	for i := range n {
		out[i] = map[string]any{
			"id":             id("transect", i),
			"project_name":   "Rare reefs",
			"site_name":      fmt.Sprintf("Site %d", i%7),
			"sample_date":    "2023-05-17",
			"sample_time":    "08:30",
			"sample_unit_id": id("sample_unit", i),
			"depth":          "4.5",
			"obs_belt_fishes": []any{
				map[string]any{
					"id":           id("obs", i),
					"fish_taxon":   "Chromis viridis",
					"size":         12.5,
					"count":        3,
					"biomass_kgha": nil,
				},
			},
		}
	}
	return out
}

func projectRecords(ids ...string) []map[string]any {
	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		out[i] = map[string]any{"id": id, "name": "project " + id}
	}
	return out
}

func surveyPath(projectID string, s SurveyType) string {
	return "/" + s.Endpoint(projectID)
}
