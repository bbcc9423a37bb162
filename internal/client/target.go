// Package client talks to the pool management server: it resolves the
// upstream the proxy should connect to and records the shares miners submit.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/carlosrabelo/defproxy/pkg/logger"
)

const (
	ProtocolSV1 = "sv1"
	ProtocolSV2 = "sv2"

	targetPath        = "/target"
	currentTargetPath = "/api/v1/targets/current"

	DefaultTimeout = 5 * time.Second
)

var ErrNoAddress = errors.New("client: target has no address")

// Target is the upstream the management server wants miners pointed at.
type Target struct {
	Address  string  `json:"address"`
	Pubkey   *string `json:"pubkey"`
	Protocol string  `json:"protocol"`
	TargetID string  `json:"name,omitempty"`
}

// Name identifies the target in share reports.
func (t Target) Name() string {
	if t.TargetID != "" {
		return t.TargetID
	}
	return t.Address
}

func (t Target) IsV1() bool {
	return t.Protocol == ProtocolSV1
}

// PubkeyString returns the authority key, or "" when the target has none.
func (t Target) PubkeyString() string {
	if t.Pubkey == nil {
		return ""
	}
	return *t.Pubkey
}

// Resolver fetches the current target.
type Resolver struct {
	endpoint string
	http     *http.Client
}

// NewResolver creates a resolver for the management server at endpoint.
// A nil httpClient gets one with DefaultTimeout.
func NewResolver(endpoint string, httpClient *http.Client) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Resolver{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     httpClient,
	}
}

func (r *Resolver) Endpoint() string {
	return r.endpoint
}

// Fetch asks GET /target, falling back to the targets/current alias when the
// server does not know the short path.
func (r *Resolver) Fetch(ctx context.Context) (Target, error) {
	body, status, err := r.get(ctx, targetPath)
	if err != nil {
		return Target{}, err
	}
	if status == http.StatusNotFound {
		logger.Debug("client: %s not found, trying %s", targetPath, currentTargetPath)
		body, status, err = r.get(ctx, currentTargetPath)
		if err != nil {
			return Target{}, err
		}
	}
	if status/100 != 2 {
		return Target{}, fmt.Errorf("client: target request returned %d", status)
	}
	return decodeTarget(body)
}

func (r *Resolver) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("client: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("client: read %s: %w", path, err)
	}
	return body, resp.StatusCode, nil
}

// decodeTarget accepts the target object; a bare JSON string is the legacy
// name-only answer and carries no address.
func decodeTarget(body []byte) (Target, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '"' {
		var name string
		if err := json.Unmarshal(body, &name); err != nil {
			return Target{}, fmt.Errorf("client: decode target: %w", err)
		}
		return Target{}, fmt.Errorf("%w (server answered name %q)", ErrNoAddress, name)
	}
	var t Target
	if err := json.Unmarshal(body, &t); err != nil {
		return Target{}, fmt.Errorf("client: decode target: %w", err)
	}
	if t.Address == "" {
		return Target{}, ErrNoAddress
	}
	if t.Protocol == "" {
		t.Protocol = ProtocolSV2
	}
	t.Protocol = strings.ToLower(t.Protocol)
	if t.Protocol != ProtocolSV1 && t.Protocol != ProtocolSV2 {
		return Target{}, fmt.Errorf("client: unknown target protocol %q", t.Protocol)
	}
	return t, nil
}
