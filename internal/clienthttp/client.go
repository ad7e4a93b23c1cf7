// Package clienthttp queries the relay's operator endpoints.
package clienthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

const requestTimeout = 5 * time.Second

// BaseURL turns whatever the client was configured with (ws://host/ws,
// wss://..., http://..., or bare host:port) into the relay's HTTP root.
func BaseURL(serverURL string) (string, error) {
	raw := strings.TrimSpace(serverURL)
	if raw == "" {
		return "", fmt.Errorf("empty server URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "http", "quic":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", serverURL)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.RawQuery = ""
	return u.String(), nil
}

// Health calls GET /health and fails unless the relay answers ok.
func Health(ctx context.Context, base string) error {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := getJSON(ctx, base+"/health", &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("relay reports not ok")
	}
	return nil
}

// Presence calls GET /presence.
func Presence(ctx context.Context, base string) ([]protocol.DestinationStatus, error) {
	var snap protocol.PresenceSnapshot
	if err := getJSON(ctx, base+"/presence", &snap); err != nil {
		return nil, err
	}
	return snap.Destinations, nil
}

func getJSON(ctx context.Context, endpoint string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
