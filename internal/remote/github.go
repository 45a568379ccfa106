package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	githubAPIVersion   = "2022-11-28"
	defaultGitHubURL   = "https://api.github.com"
	defaultCommitMsg   = "update data"
	maxGitHubBodyBytes = 16 << 20
)

type GitHubConfig struct {
	// BaseURL defaults to https://api.github.com.
	BaseURL string
	// Repo is "owner/name".
	Repo   string
	Path   string
	Branch string
	Token  string
	// CommitMessage defaults to "update data".
	CommitMessage string
	// HTTPClient supplies the base transport; the token is layered on top.
	HTTPClient *http.Client
}

// GitHub stores the ledger document as a file in a repository through the
// contents API. The file's blob SHA is the revision token.
type GitHub struct {
	baseURL string
	repo    string
	path    string
	branch  string
	message string
	client  *http.Client
}

func NewGitHub(cfg GitHubConfig) (*GitHub, error) {
	if cfg.Repo == "" || !strings.Contains(cfg.Repo, "/") {
		return nil, fmt.Errorf("github: repo must be owner/name (got %q)", cfg.Repo)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("github: file path is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGitHubURL
	}
	message := cfg.CommitMessage
	if message == "" {
		message = defaultCommitMsg
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 20 * time.Second}
	}
	client := *base
	if cfg.Token != "" {
		client.Transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}),
			Base:   base.Transport,
		}
	}

	return &GitHub{
		baseURL: baseURL,
		repo:    cfg.Repo,
		path:    strings.TrimLeft(cfg.Path, "/"),
		branch:  cfg.Branch,
		message: message,
		client:  &client,
	}, nil
}

type contentsResponse struct {
	SHA         string `json:"sha"`
	Content     string `json:"content"`
	Encoding    string `json:"encoding"`
	DownloadURL string `json:"download_url"`
}

type putRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type putResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
}

type apiError struct {
	Message string `json:"message"`
}

func (g *GitHub) contentsURL() string {
	u := fmt.Sprintf("%s/repos/%s/contents/%s", g.baseURL, g.repo, g.path)
	if g.branch != "" {
		u += "?ref=" + url.QueryEscape(g.branch)
	}
	return u
}

func (g *GitHub) Read(ctx context.Context) ([]byte, string, error) {
	body, status, err := g.do(ctx, http.MethodGet, g.contentsURL(), nil)
	if err != nil {
		return nil, "", err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, "", ErrNotFound
	case status != http.StatusOK:
		return nil, "", statusError(status, body)
	}

	var resp contentsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("github: decoding contents: %w", err)
	}

	if resp.Content == "" && resp.DownloadURL != "" {
		// Files over 1 MB come back without inline content.
		raw, status, err := g.do(ctx, http.MethodGet, resp.DownloadURL, nil)
		if err != nil {
			return nil, "", err
		}
		if status != http.StatusOK {
			return nil, "", statusError(status, raw)
		}
		return raw, resp.SHA, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(resp.Content, "\n", ""))
	if err != nil {
		return nil, "", fmt.Errorf("github: decoding base64 content: %w", err)
	}
	return data, resp.SHA, nil
}

func (g *GitHub) WriteIfMatch(ctx context.Context, data []byte, expectedRevision string) (string, error) {
	req := putRequest{
		Message: g.message,
		Content: base64.StdEncoding.EncodeToString(data),
		SHA:     expectedRevision,
		Branch:  g.branch,
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("github: encoding request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/contents/%s", g.baseURL, g.repo, g.path)
	body, status, err := g.do(ctx, http.MethodPut, endpoint, encoded)
	if err != nil {
		return "", err
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		return "", &ConflictError{Expected: expectedRevision}
	case http.StatusUnprocessableEntity:
		// GitHub answers 422 when a sha is missing for an existing file.
		var e apiError
		_ = json.Unmarshal(body, &e)
		if strings.Contains(strings.ToLower(e.Message), "sha") {
			return "", &ConflictError{Expected: expectedRevision}
		}
		return "", statusError(status, body)
	default:
		return "", statusError(status, body)
	}

	var resp putResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("github: decoding put response: %w", err)
	}
	if resp.Content.SHA == "" {
		return "", fmt.Errorf("%w: github: put response carried no sha", ErrUnavailable)
	}
	return resp.Content.SHA, nil
}

func (g *GitHub) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("github: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	req.Header.Set("User-Agent", "pointsbot/1.0")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: github: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGitHubBodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: github: reading response: %v", ErrUnavailable, err)
	}
	return body, resp.StatusCode, nil
}

func statusError(status int, body []byte) error {
	var e apiError
	_ = json.Unmarshal(body, &e)
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return fmt.Errorf("%w: github returned %d: %s", ErrUnavailable, status, e.Message)
}
