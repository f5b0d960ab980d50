// Package client is the Go API client for a sirihub node: ingest, pull
// snapshots, outbound subscription management, and delta streaming.
package client

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/transitlabs/sirihub/models"
)

const defaultTimeout = 10 * time.Second

type ConnectionType string

const (
	ConnectionTypeDirect ConnectionType = "direct"
	ConnectionTypeRandom ConnectionType = "random"
)

type Endpoint struct {
	// HostPort is the node's client-facing address, e.g. "hub-0.example.org:443".
	HostPort string
	UseTLS   bool
}

type Config struct {
	ConnectionType ConnectionType // Direct always uses Endpoints[0]
	Endpoints      []Endpoint

	// InstanceSecret is hashed into the bearer token server nodes expect.
	// Leave empty for unsecured deployments.
	InstanceSecret string

	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	authToken  string
	logger     *slog.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}
	for _, endpoint := range cfg.Endpoints {
		if endpoint.HostPort == "" {
			return nil, errors.New("hostPort cannot be empty")
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("sirihub_client")

	endpoint := cfg.Endpoints[0]
	if cfg.ConnectionType == ConnectionTypeRandom {
		endpoint = cfg.Endpoints[rand.Intn(len(cfg.Endpoints))]
	}

	scheme := "http"
	if endpoint.UseTLS {
		scheme = "https"
	}
	baseURL, err := url.Parse(scheme + "://" + endpoint.HostPort)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse base URL for '%s'", endpoint.HostPort)
	}

	authToken := ""
	if cfg.InstanceSecret != "" {
		secHash := sha256.New()
		secHash.Write([]byte(cfg.InstanceSecret))
		authToken = hex.EncodeToString(secHash.Sum(nil))
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
		},
		Timeout: timeout,
		// Leader redirects are followed manually so the method and body
		// survive the hop.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		authToken:  authToken,
		logger:     logger,
	}, nil
}

func (c *Client) doRequest(method, path string, queryParams map[string][]string, body any, target any) error {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(queryParams) > 0 {
		q := reqURL.Query()
		for k, vs := range queryParams {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		reqURL.RawQuery = q.Encode()
	}

	var reqBodyBytes []byte
	if body != nil {
		var err error
		reqBodyBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal request body for %s %s", method, path)
		}
	}

	currentURL := reqURL.String()
	for redirects := 0; redirects < 10; redirects++ {
		req, err := http.NewRequest(method, currentURL, bytes.NewReader(reqBodyBytes))
		if err != nil {
			return errors.Wrapf(err, "failed to create request %s %s", method, currentURL)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Wrapf(err, "http request %s %s failed", method, currentURL)
		}

		if resp.StatusCode == http.StatusTemporaryRedirect || resp.StatusCode == http.StatusPermanentRedirect {
			location := resp.Header.Get("Location")
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if location == "" {
				return errors.Errorf("redirect from %s without a Location header", currentURL)
			}
			c.logger.Debug("following leader redirect", "from", currentURL, "to", location)
			currentURL = location
			continue
		}

		defer resp.Body.Close()
		respBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrapf(err, "failed to read response from %s %s", method, currentURL)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return errors.Errorf("%s %s returned status %d: %s",
				method, path, resp.StatusCode, string(bytes.TrimSpace(respBytes)))
		}

		if target != nil && len(respBytes) > 0 {
			if err := json.Unmarshal(respBytes, target); err != nil {
				return errors.Wrapf(err, "failed to decode response from %s %s", method, path)
			}
		}
		return nil
	}
	return errors.Errorf("too many redirects for %s %s", method, path)
}

// Ingest merges one batch of payload objects for a (category, dataset) pair
// and returns the merge outcome. An empty batch is a pure heartbeat.
func (c *Client) Ingest(category models.Category, dataset string, objects any) (models.MergeResult, error) {
	var result models.MergeResult
	err := c.doRequest(http.MethodPost, "/v1/ingest", map[string][]string{
		"category": {string(category)},
		"dataset":  {dataset},
	}, objects, &result)
	return result, err
}

func (c *Client) Subscribe(req models.SubscribeRequest) (models.SubscribeResponse, error) {
	var resp models.SubscribeResponse
	err := c.doRequest(http.MethodPost, "/v1/subscribe", nil, req, &resp)
	return resp, err
}

func (c *Client) Terminate(req models.TerminateRequest) (models.TerminateResponse, error) {
	var resp models.TerminateResponse
	err := c.doRequest(http.MethodPost, "/v1/terminate", nil, req, &resp)
	return resp, err
}

// Snapshot pulls the full current state of one category, optionally scoped
// to a dataset and line/stop filters.
func (c *Client) Snapshot(category models.Category, dataset string, filter models.SubscriptionFilter) (Snapshot, error) {
	params := map[string][]string{"category": {string(category)}}
	if dataset != "" {
		params["dataset"] = []string{dataset}
	}
	if len(filter.LineRefs) > 0 {
		params["lineRef"] = filter.LineRefs
	}
	if len(filter.StopRefs) > 0 {
		params["stopRef"] = filter.StopRefs
	}

	var snapshot Snapshot
	err := c.doRequest(http.MethodGet, "/v1/snapshot", params, nil, &snapshot)
	return snapshot, err
}

func (c *Client) Status() (Status, error) {
	var status Status
	err := c.doRequest(http.MethodGet, "/v1/status", nil, nil, &status)
	return status, err
}

func (c *Client) Datasets() ([]string, error) {
	var datasets []string
	err := c.doRequest(http.MethodGet, "/v1/datasets", nil, nil, &datasets)
	return datasets, err
}

func (c *Client) Subscriptions() (Subscriptions, error) {
	var subs Subscriptions
	err := c.doRequest(http.MethodGet, "/v1/subscriptions", nil, nil, &subs)
	return subs, err
}
