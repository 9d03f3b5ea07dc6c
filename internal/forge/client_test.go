package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"
)

type fakeForge struct {
	t       *testing.T
	pages   map[string][][]string // stream -> pages of identifiers
	queries int
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// serve answers the compound query, advancing each stream independently from
// its cursor. Streams exhaust at different pages by construction.
func (f *fakeForge) serve(w http.ResponseWriter, r *http.Request) {
	f.queries++
	assert.Equal(f.t, "application/json", r.Header.Get("Content-Type"))
	assert.NotEqual(f.t, "", r.Header.Get("User-Agent"))

	var req gqlRequest
	assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	assert.Equal(f.t, "someone", req.Variables["user"])

	user := map[string]any{
		"repositories":        f.connection("owned", req.Variables["ownedCursor"], "nameWithOwner"),
		"starredRepositories": f.connection("starred", req.Variables["starredCursor"], "nameWithOwner"),
		"watching":            f.connection("watching", req.Variables["watchingCursor"], "nameWithOwner"),
		"gists":               f.connection("gists", req.Variables["gistsCursor"], "name"),
	}
	writeJSON(f.t, w, map[string]any{"data": map[string]any{"user": user}})
}

func (f *fakeForge) connection(stream string, cursor any, field string) map[string]any {
	page := 0
	if cursor != nil {
		_, err := fmt.Sscanf(cursor.(string), stream+"-%d", &page)
		assert.NoError(f.t, err)
	}

	pages := f.pages[stream]
	var nodes []map[string]string
	if page < len(pages) {
		for _, id := range pages[page] {
			nodes = append(nodes, map[string]string{field: id})
		}
	}

	endCursor := fmt.Sprintf("%s-%d", stream, page+1)
	if page >= len(pages) {
		endCursor = fmt.Sprintf("%s-%d", stream, len(pages))
	}
	return map[string]any{
		"pageInfo": map[string]any{
			"hasNextPage": page+1 < len(pages),
			"endCursor":   endCursor,
		},
		"nodes": nodes,
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestLoadRepositoriesPaginatesUnevenStreams(t *testing.T) {
	forge := &fakeForge{t: t, pages: map[string][][]string{
		"owned":    {{"someone/alpha", "someone/beta"}, {"someone/gamma"}, {"someone/delta"}},
		"starred":  {{"other/starred"}},
		"watching": {},
		"gists":    {{"abc123"}, {"def456"}},
	}}
	server := httptest.NewServer(http.HandlerFunc(forge.serve))
	defer server.Close()

	client := NewClient(context.Background(), "token-value", WithEndpoint(server.URL), WithHTTPClient(server.Client()))
	discovery, err := client.LoadRepositories(context.Background(), "someone")
	assert.NoError(t, err)

	assert.Equal(t, 4, discovery.Owned.Size())
	assert.True(t, discovery.Owned.Contains("someone/delta"))
	assert.Equal(t, 1, discovery.Starred.Size())
	assert.Equal(t, 0, discovery.Watching.Size())
	assert.Equal(t, 2, discovery.Gists.Size())
	// Three pages for the longest stream plus a final empty page.
	assert.Equal(t, 4, forge.queries)
}

func TestLoadRepositoriesEmptyUser(t *testing.T) {
	forge := &fakeForge{t: t, pages: map[string][][]string{}}
	server := httptest.NewServer(http.HandlerFunc(forge.serve))
	defer server.Close()

	client := NewClient(context.Background(), "token-value", WithEndpoint(server.URL), WithHTTPClient(server.Client()))
	discovery, err := client.LoadRepositories(context.Background(), "someone")
	assert.NoError(t, err)
	assert.Equal(t, 0, discovery.Owned.Size())
	assert.Equal(t, 1, forge.queries)
}

func TestLoadRepositoriesUserNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{"data": map[string]any{"user": nil}})
	}))
	defer server.Close()

	client := NewClient(context.Background(), "token-value", WithEndpoint(server.URL), WithHTTPClient(server.Client()))
	_, err := client.LoadRepositories(context.Background(), "someone")
	assert.True(t, errors.Is(err, ErrUserNotFound))
}

func TestLoadRepositoriesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{
			"data":   map[string]any{"user": nil},
			"errors": []map[string]string{{"message": "Something went wrong"}},
		})
	}))
	defer server.Close()

	client := NewClient(context.Background(), "token-value", WithEndpoint(server.URL), WithHTTPClient(server.Client()))
	_, err := client.LoadRepositories(context.Background(), "someone")
	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Something went wrong", apiErr.Message)
}

func TestLoadRepositoriesRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(context.Background(), "token-value", WithEndpoint(server.URL), WithHTTPClient(server.Client()))
	_, err := client.LoadRepositories(context.Background(), "someone")
	var rateErr *RateLimitError
	assert.True(t, errors.As(err, &rateErr))
	assert.Equal(t, 30*time.Second, rateErr.RetryAfter())
}

func TestLoadRepositoriesSecondaryRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(context.Background(), "token-value", WithEndpoint(server.URL), WithHTTPClient(server.Client()))
	_, err := client.LoadRepositories(context.Background(), "someone")
	var rateErr *RateLimitError
	assert.True(t, errors.As(err, &rateErr))
}

func TestLoadRepositoriesGraphQLRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{
			"data":   map[string]any{"user": nil},
			"errors": []map[string]string{{"type": "RATE_LIMITED", "message": "API rate limit exceeded"}},
		})
	}))
	defer server.Close()

	client := NewClient(context.Background(), "token-value", WithEndpoint(server.URL), WithHTTPClient(server.Client()))
	_, err := client.LoadRepositories(context.Background(), "someone")
	var rateErr *RateLimitError
	assert.True(t, errors.As(err, &rateErr))
}

func TestBearerAuthHeader(t *testing.T) {
	var authHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		writeJSON(t, w, map[string]any{"data": map[string]any{"user": map[string]any{}}})
	}))
	defer server.Close()

	// No WithHTTPClient override: the oauth2 transport supplies the header.
	client := NewClient(context.Background(), "token-value", WithEndpoint(server.URL))
	_, _ = client.LoadRepositories(context.Background(), "someone")
	assert.Equal(t, "Bearer token-value", authHeader)
}
