// Package forge enumerates a user's repositories through the GitHub GraphQL
// API: owned, starred, watched and gists, each paginated independently inside
// a single compound query.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alecthomas/errors"
	"github.com/hashicorp/go-set/v3"
	"golang.org/x/oauth2"

	"github.com/po4yka/gitout/internal/logging"
	"github.com/po4yka/gitout/internal/version"
)

const (
	// Host is the clone host for repositories.
	Host = "github.com"
	// GistHost is the clone host for gists.
	GistHost = "gist.github.com"

	defaultEndpoint = "https://api.github.com/graphql"
	pageSize        = 100
)

// Discovery is the result of enumerating a user's repositories. Repositories
// are identified by owner/name; gists by gist id.
type Discovery struct {
	Owned    *set.Set[string]
	Starred  *set.Set[string]
	Watching *set.Set[string]
	Gists    *set.Set[string]
}

// ErrUserNotFound is returned when the forge reports no such user.
var ErrUserNotFound = errors.New("user not found")

// APIError is a GraphQL-level error returned by the forge.
type APIError struct {
	Message string
}

func (e *APIError) Error() string { return "forge API error: " + e.Message }

// RateLimitError is returned when the forge throttles the client. Delay
// carries the server's retry-after hint when one was provided.
type RateLimitError struct {
	Delay time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Delay > 0 {
		return fmt.Sprintf("forge rate limit exceeded, retry after %s", e.Delay)
	}
	return "forge rate limit exceeded"
}

// RetryAfter implements the retry engine's retry-after hint.
func (e *RateLimitError) RetryAfter() time.Duration { return e.Delay }

// Client is a GitHub GraphQL API client. It is safe for concurrent use; the
// underlying HTTP client maintains a connection pool shared across the
// process.
type Client struct {
	httpClient *http.Client
	endpoint   string
	userAgent  string
}

// Option customises a Client.
type Option func(*Client)

// WithEndpoint overrides the GraphQL endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithHTTPClient overrides the HTTP client, replacing the oauth2 transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// NewClient returns a Client authenticating with the given token.
func NewClient(ctx context.Context, token string, options ...Option) *Client {
	c := &Client{
		httpClient: oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})),
		endpoint:   defaultEndpoint,
		userAgent:  "gitout/" + version.Version,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// The compound query pages all four edge streams at once. Streams exhaust at
// different pages; an exhausted stream keeps returning its final cursor and
// zero new nodes.
const repositoriesQuery = `query($user: String!, $ownedCursor: String, $starredCursor: String, $watchingCursor: String, $gistsCursor: String) {
  user(login: $user) {
    repositories(first: 100, after: $ownedCursor, affiliations: [OWNER], ownerAffiliations: [OWNER]) {
      pageInfo { hasNextPage endCursor }
      nodes { nameWithOwner }
    }
    starredRepositories(first: 100, after: $starredCursor) {
      pageInfo { hasNextPage endCursor }
      nodes { nameWithOwner }
    }
    watching(first: 100, after: $watchingCursor) {
      pageInfo { hasNextPage endCursor }
      nodes { nameWithOwner }
    }
    gists(first: 100, after: $gistsCursor) {
      pageInfo { hasNextPage endCursor }
      nodes { name }
    }
  }
}`

type pageInfo struct {
	HasNextPage bool    `json:"hasNextPage"`
	EndCursor   *string `json:"endCursor"`
}

type repoConnection struct {
	PageInfo pageInfo `json:"pageInfo"`
	Nodes    []struct {
		NameWithOwner string `json:"nameWithOwner"`
		Name          string `json:"name"`
	} `json:"nodes"`
}

type queryResponse struct {
	Data struct {
		User *struct {
			Repositories        repoConnection `json:"repositories"`
			StarredRepositories repoConnection `json:"starredRepositories"`
			Watching            repoConnection `json:"watching"`
			Gists               repoConnection `json:"gists"`
		} `json:"user"`
	} `json:"data"`
	Errors []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"errors"`
}

// LoadRepositories pages through all four edge streams until a response
// yields no new edges across any of them.
func (c *Client) LoadRepositories(ctx context.Context, user string) (*Discovery, error) {
	discovery := &Discovery{
		Owned:    set.New[string](0),
		Starred:  set.New[string](0),
		Watching: set.New[string](0),
		Gists:    set.New[string](0),
	}

	logger := logging.MaybeFromContext(ctx)
	var ownedCursor, starredCursor, watchingCursor, gistsCursor *string
	for page := 1; ; page++ {
		resp, err := c.query(ctx, map[string]any{
			"user":           user,
			"ownedCursor":    ownedCursor,
			"starredCursor":  starredCursor,
			"watchingCursor": watchingCursor,
			"gistsCursor":    gistsCursor,
		})
		if err != nil {
			return nil, err
		}

		u := resp.Data.User
		added := 0
		for _, node := range u.Repositories.Nodes {
			if discovery.Owned.Insert(node.NameWithOwner) {
				added++
			}
		}
		for _, node := range u.StarredRepositories.Nodes {
			if discovery.Starred.Insert(node.NameWithOwner) {
				added++
			}
		}
		for _, node := range u.Watching.Nodes {
			if discovery.Watching.Insert(node.NameWithOwner) {
				added++
			}
		}
		for _, node := range u.Gists.Nodes {
			if discovery.Gists.Insert(node.Name) {
				added++
			}
		}

		ownedCursor = advance(ownedCursor, u.Repositories.PageInfo)
		starredCursor = advance(starredCursor, u.StarredRepositories.PageInfo)
		watchingCursor = advance(watchingCursor, u.Watching.PageInfo)
		gistsCursor = advance(gistsCursor, u.Gists.PageInfo)

		if logger != nil {
			logger.Debug("Discovery page fetched", "page", page, "new_edges", added)
		}
		if added == 0 {
			break
		}
	}

	return discovery, nil
}

// advance returns the cursor for the next request of one stream: the latest
// observed end cursor, or the previous cursor once the stream is exhausted.
func advance(previous *string, info pageInfo) *string {
	if info.EndCursor != nil {
		return info.EndCursor
	}
	return previous
}

func (c *Client) query(ctx context.Context, variables map[string]any) (*queryResponse, error) {
	body, err := json.Marshal(map[string]any{
		"query":     repositoriesQuery,
		"variables": variables,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode query")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "query forge")
	}
	defer resp.Body.Close()

	if err := checkRateLimit(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("forge returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	var decoded queryResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}

	for _, gqlErr := range decoded.Errors {
		if gqlErr.Type == "RATE_LIMITED" {
			return nil, &RateLimitError{Delay: retryAfter(resp)}
		}
	}
	if len(decoded.Errors) > 0 {
		return nil, &APIError{Message: decoded.Errors[0].Message}
	}
	if decoded.Data.User == nil {
		return nil, errors.WithStack(ErrUserNotFound)
	}
	return &decoded, nil
}

func checkRateLimit(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Delay: retryAfter(resp)}
	}
	if resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return &RateLimitError{Delay: retryAfter(resp)}
	}
	return nil
}

// retryAfter extracts a retry-after hint from Retry-After (seconds) or
// X-RateLimit-Reset (epoch seconds).
func retryAfter(resp *http.Response) time.Duration {
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if raw := resp.Header.Get("X-RateLimit-Reset"); raw != "" {
		if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if until := time.Until(time.Unix(epoch, 0)); until > 0 {
				return until
			}
		}
	}
	return 0
}
