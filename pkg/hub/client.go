// Package hub is a small Hugging Face Hub client: enough to list a dataset
// snapshot and download its files resumably.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

const defaultBaseURL = "https://huggingface.co"

// Client is a Hugging Face Hub client. Configured with an HTTP client, an
// optional access token and a base URL to use for requests.
type Client struct {
	inner   *http.Client
	token   string
	baseURL string
}

// ClientOption is used to configure a `Client`.
type ClientOption func(*Client)

// WithHTTPClient allows the caller to customize the underlying HTTP client
// used for requests to the Hub.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.inner = client
	}
}

// WithBaseURL allows the caller to choose a non-default Hub endpoint, e.g. a mirror.
// By default, requests are sent to $HF_ENDPOINT or `https://huggingface.co`.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithToken sets the access token sent as a bearer token. Defaults to $HF_TOKEN.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient constructs a new `Client` object, allowing the caller to configure the
// client by passing zero or more `ClientOption` functions.
func NewClient(options ...ClientOption) *Client {
	client := &Client{
		inner:   http.DefaultClient,
		token:   os.Getenv("HF_TOKEN"),
		baseURL: defaultBaseURL,
	}
	if endpoint := os.Getenv("HF_ENDPOINT"); endpoint != "" {
		client.baseURL = strings.TrimSuffix(endpoint, "/")
	}
	for _, opt := range options {
		opt(client)
	}
	return client
}

// BaseURL returns the endpoint requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is returned for non-2xx responses from the Hub.
type APIError struct {
	Code    int
	URL     string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub error (http code %d) for %s: %s", e.Code, e.URL, e.Message)
}

// RepoInfo is the subset of the dataset revision API we need.
type RepoInfo struct {
	ID       string    `json:"id"`
	SHA      string    `json:"sha"`
	Siblings []Sibling `json:"siblings"`
}

// Sibling is one file of a repository snapshot.
type Sibling struct {
	Name string `json:"rfilename"`
}

// RepoInfo fetches the commit and file listing of a dataset repo at the given revision.
func (c *Client) RepoInfo(ctx context.Context, repoID, revision string) (*RepoInfo, error) {
	if revision == "" {
		revision = "main"
	}
	endpoint := fmt.Sprintf(
		"%s/api/datasets/%s/revision/%s",
		c.baseURL,
		repoID,
		url.PathEscape(revision),
	)
	var info RepoInfo
	if err := c.getJSON(ctx, endpoint, &info); err != nil {
		return nil, fmt.Errorf("fetching repo info for %s@%s: %w", repoID, revision, err)
	}
	if info.SHA == "" {
		return nil, fmt.Errorf("repo info for %s@%s has no commit sha", repoID, revision)
	}
	return &info, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, dst any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		return err
	}
	resp, err := c.inner.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, endpoint); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("constructing http request: %w", err)
	}
	req.Header.Set("User-Agent", "corpus-prep")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func checkResponse(resp *http.Response, endpoint string) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
	}
	return &APIError{
		Code:    resp.StatusCode,
		URL:     endpoint,
		Message: msg,
	}
}

// resolveURL is the download URL of a file pinned to a commit.
func (c *Client) resolveURL(repoID, commit, file string) string {
	segments := strings.Split(file, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf(
		"%s/datasets/%s/resolve/%s/%s",
		c.baseURL,
		repoID,
		commit,
		strings.Join(segments, "/"),
	)
}
