package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Mnemosyne/pkg/errors"
)

// ClientConfig holds configuration for the catalog HTTP client.
type ClientConfig struct {
	// BaseURL is the service root (e.g. "http://localhost:8000")
	BaseURL string

	// APIToken is an optional bearer token sent on every request
	APIToken string

	// Timeout is the per-request timeout
	Timeout time.Duration

	// RetryMax is the number of transport-level retries for transient
	// failures. Document-level semantics remain fail-fast; this only
	// covers connection resets and 5xx responses on idempotent requests.
	RetryMax int
}

// DefaultClientConfig returns a configuration with sensible defaults
func DefaultClientConfig(baseURL string) *ClientConfig {
	return &ClientConfig{
		BaseURL:  baseURL,
		Timeout:  30 * time.Second,
		RetryMax: 2,
	}
}

// Client talks to the hierarchical storage service. It is safe for
// concurrent use by independent writers; the service itself serializes
// per-node mutations.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
	logger  *zap.Logger
}

// NewClient creates a catalog client from the given configuration.
func NewClient(config *ClientConfig, logger *zap.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("client config cannot be nil")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = config.RetryMax
	rc.HTTPClient.Timeout = config.Timeout
	rc.Logger = nil // request logging goes through zap below

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.APIToken,
		http:    rc,
		logger:  logger,
	}, nil
}

// CreateContainer creates a container node at the catalog root.
func (c *Client) CreateContainer(ctx context.Context, key string, metadata map[string]any, specs []Spec) (*Node, error) {
	return c.createNode(ctx, "", key, FamilyContainer, nil, metadata, specs)
}

// Root returns a handle on the catalog root container without touching
// the service. Useful for resolving previously created children.
func (c *Client) Root() *Node {
	return &Node{client: c, path: ""}
}

// createNode registers a node of any family under the given parent path.
func (c *Client) createNode(ctx context.Context, parentPath, key string, family StructureFamily, dataSources []DataSource, metadata map[string]any, specs []Spec) (*Node, error) {
	key = NormalizeKey(key)
	if key == "" {
		return nil, fmt.Errorf("node key cannot be empty")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	if specs == nil {
		specs = []Spec{}
	}

	body := map[string]any{
		"key":              key,
		"structure_family": family,
		"metadata":         metadata,
		"specs":            specs,
	}
	if dataSources != nil {
		body["data_sources"] = dataSources
	}

	var resp nodePayload
	if err := c.do(ctx, http.MethodPost, c.nodesURL(parentPath), body, &resp); err != nil {
		return nil, err
	}

	node := &Node{
		client:      c,
		path:        joinPath(parentPath, key),
		metadata:    metadata,
		dataSources: resp.DataSources,
	}
	c.logger.Debug("Created catalog node",
		zap.String("path", node.path),
		zap.String("structure_family", string(family)))
	return node, nil
}

// nodePayload is the service's representation of one node.
type nodePayload struct {
	Key         string         `json:"key"`
	Metadata    map[string]any `json:"metadata"`
	Specs       []Spec         `json:"specs,omitempty"`
	DataSources []DataSource   `json:"data_sources,omitempty"`
}

func (c *Client) nodesURL(path string) string {
	return c.endpoint("nodes", path)
}

func (c *Client) metadataURL(path string) string {
	return c.endpoint("metadata", path)
}

func (c *Client) endpoint(api, path string) string {
	u := c.baseURL + "/api/v1/" + api
	if path != "" {
		u += "/" + escapePath(path)
	}
	return u
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "/" + key
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// do issues one JSON request and decodes the response into out (when
// non-nil). Failures are wrapped as BackendError.
func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return sdkerrors.NewBackendError(method, rawURL, 0, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return sdkerrors.NewBackendError(method, rawURL, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return sdkerrors.NewBackendError(method, rawURL, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return sdkerrors.NewBackendError(method, rawURL, resp.StatusCode, nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return sdkerrors.NewBackendError(method, rawURL, 0, err)
		}
	}
	return nil
}

// get issues a GET that may legitimately miss. Returns found=false on 404.
func (c *Client) get(ctx context.Context, rawURL string, out any) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, sdkerrors.NewBackendError(http.MethodGet, rawURL, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, sdkerrors.NewBackendError(http.MethodGet, rawURL, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, sdkerrors.NewBackendError(http.MethodGet, rawURL, resp.StatusCode, nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, sdkerrors.NewBackendError(http.MethodGet, rawURL, 0, err)
		}
	}
	return true, nil
}
