package nodeproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"agoramesh/pkg/logging"
)

// requestTimeout bounds every upstream call.
const requestTimeout = 5 * time.Second

// maxUpstreamBody caps how much of an upstream response is read.
const maxUpstreamBody = 4 << 20

var didPattern = regexp.MustCompile(`^did:[a-z0-9]+:[A-Za-z0-9._:%-]{1,200}$`)

// ErrInvalidDID is returned before any DID reaches an upstream URL.
type ErrInvalidDID struct{ DID string }

func (e *ErrInvalidDID) Error() string {
	return fmt.Sprintf("invalid DID %q", e.DID)
}

// ErrNotFound maps upstream 404s.
type ErrNotFound struct{ Resource string }

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found", e.Resource)
}

// ErrUpstream carries a non-2xx upstream response.
type ErrUpstream struct {
	Status int
	Body   string
}

func (e *ErrUpstream) Error() string {
	return fmt.Sprintf("discovery node returned %d", e.Status)
}

// Agent is an agent listing from the discovery node. Fields the node
// adds beyond these are preserved in Raw for pass-through rendering.
type Agent struct {
	DID         string  `json:"did"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	TrustScore  float64 `json:"trustScore,omitempty"`
	Endpoint    string  `json:"endpoint,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// TrustReport is the network trust view of one agent.
type TrustReport struct {
	DID        string  `json:"did"`
	TrustScore float64 `json:"trustScore"`
	TaskCount  int     `json:"taskCount,omitempty"`
	Reviews    int     `json:"reviews,omitempty"`
}

// Client proxies discovery queries to the configured node. One client
// (and one underlying connection pool) serves the whole process.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: requestTimeout},
	}
}

// SearchAgents queries the node's agent directory.
func (c *Client) SearchAgents(ctx context.Context, query string, minTrust float64, limit int) ([]Agent, error) {
	params := url.Values{}
	if query != "" {
		params.Set("q", query)
	}
	if minTrust > 0 {
		params.Set("minTrust", strconv.FormatFloat(minTrust, 'f', -1, 64))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.getJSON(ctx, "/agents?"+params.Encode(), "agents", &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// GetAgent fetches one agent card by DID.
func (c *Client) GetAgent(ctx context.Context, did string) (*Agent, error) {
	if err := ValidateDID(did); err != nil {
		return nil, err
	}
	var agent Agent
	if err := c.getJSON(ctx, "/agents/"+url.PathEscape(did), "agent "+did, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetTrust fetches the network trust report for a DID.
func (c *Client) GetTrust(ctx context.Context, did string) (*TrustReport, error) {
	if err := ValidateDID(did); err != nil {
		return nil, err
	}
	var report TrustReport
	if err := c.getJSON(ctx, "/trust/"+url.PathEscape(did), "trust for "+did, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// getJSON performs the request with a fresh deadline and decodes the
// response. Caller headers are never forwarded.
func (c *Client) getJSON(ctx context.Context, path, resource string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &ErrUpstream{Status: http.StatusBadGateway, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return &ErrUpstream{Status: http.StatusBadGateway, Body: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &ErrNotFound{Resource: resource}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		logging.Warn("NodeProxy", "Upstream %s returned %d", path, resp.StatusCode)
		return &ErrUpstream{Status: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &ErrUpstream{Status: resp.StatusCode, Body: "unparsable upstream response"}
	}
	return nil
}

// ValidateDID refuses DIDs that could alter the upstream URL shape.
func ValidateDID(did string) error {
	if !didPattern.MatchString(did) {
		return &ErrInvalidDID{DID: did}
	}
	for i := 0; i < len(did); i++ {
		if did[i] < 0x20 || did[i] == 0x7F {
			return &ErrInvalidDID{DID: did}
		}
	}
	if strings.Contains(did, "/") || strings.Contains(did, "..") {
		return &ErrInvalidDID{DID: did}
	}
	return nil
}
