package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"
)

// ErrInvalidServerIP is returned when a classifier server address is not a dotted IPv4 address.
var ErrInvalidServerIP = errors.New("invalid classifier server ip")

// ValidateServerIP checks that ip is a dotted-quad IPv4 address.
func ValidateServerIP(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("%w: %q", ErrInvalidServerIP, ip)
	}
	return nil
}

// RemoteClassifier delegates classification to an HTTP prediction server.
//
// Request:  POST {"x":[...],"y":[...],"z":[...],"state":[...]}
// Response: {"label":"up","state":[...]}
type RemoteClassifier struct {
	endpoint string
	client   *http.Client
}

type remoteRequest struct {
	X     []float64 `json:"x"`
	Y     []float64 `json:"y"`
	Z     []float64 `json:"z"`
	State []float64 `json:"state,omitempty"`
}

type remoteResponse struct {
	Label string    `json:"label"`
	State []float64 `json:"state,omitempty"`
}

// NewRemoteClassifier builds a classifier for http://serverIP:port/path.
func NewRemoteClassifier(serverIP string, port int, path string) (*RemoteClassifier, error) {
	if err := ValidateServerIP(serverIP); err != nil {
		return nil, err
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid classifier port %d", port)
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}

	transport := &http.Transport{
		MaxConnsPerHost:       1,
		ResponseHeaderTimeout: remoteRequestTimeoutMS * time.Millisecond,
	}

	return &RemoteClassifier{
		endpoint: "http://" + net.JoinHostPort(serverIP, strconv.Itoa(port)) + path,
		client: &http.Client{
			Transport: transport,
			Timeout:   remoteResourceTimeoutMS * time.Millisecond,
		},
	}, nil
}

// newRemoteClassifierForURL is used by tests to target an httptest server.
func newRemoteClassifierForURL(endpoint string, client *http.Client) *RemoteClassifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteClassifier{endpoint: endpoint, client: client}
}

// Endpoint returns the full prediction URL.
func (c *RemoteClassifier) Endpoint() string { return c.endpoint }

func (c *RemoteClassifier) Classify(ctx context.Context, w Window, state []float64) (Prediction, error) {
	body, err := json.Marshal(remoteRequest{X: w.X, Y: w.Y, Z: w.Z, State: state})
	if err != nil {
		return Prediction{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Prediction{}, fmt.Errorf("classifier server returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Prediction{}, fmt.Errorf("decode response: %w", err)
	}

	return Prediction{Label: ParseLabel(out.Label), State: out.State}, nil
}
