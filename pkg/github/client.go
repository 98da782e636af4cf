// Package github fetches repository metadata, file listings, and
// bug-fix commit history from the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/riskspot/riskspot/pkg/config"
)

const httpTimeout = 10 * time.Second

// Client is a thin GitHub REST API client scoped to the endpoints
// riskspot needs.
type Client struct {
	log        logrus.FieldLogger
	httpClient *http.Client
	baseURL    string
	token      string
	fetch      config.FetchConfig
}

// NewClient creates a new GitHub client.
func NewClient(
	log logrus.FieldLogger,
	ghCfg *config.GitHubConfig,
	fetchCfg *config.FetchConfig,
) *Client {
	return &Client{
		log:        log.WithField("component", "github"),
		httpClient: &http.Client{Timeout: httpTimeout},
		baseURL:    ghCfg.BaseURL,
		token:      ghCfg.Token,
		fetch:      *fetchCfg,
	}
}

// getJSON performs a GET request against the API and decodes the
// response body into out.
func (c *Client) getJSON(
	ctx context.Context, path string, out any,
) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+path, nil,
	)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf(
			"fetching %s: unexpected status %d: %s",
			path, resp.StatusCode, bytes.TrimSpace(body),
		)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}

	return nil
}

// postJSON performs a POST request with a JSON body.
func (c *Client) postJSON(
	ctx context.Context, path string, payload any,
) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf(
			"posting %s: unexpected status %d: %s",
			path, resp.StatusCode, bytes.TrimSpace(respBody),
		)
	}

	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
