// Package creds handles ICE server credentials end to end: the client
// side fetches short-lived TURN credentials over HTTP, and the server
// side mints them and runs the TURN relay they unlock. Both sides
// follow the coturn REST credential convention, so either can be
// swapped for a coturn deployment.
package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/config"
)

// credentialResponse is the coturn REST credential payload.
type credentialResponse struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int64    `json:"ttl"`
	URIs     []string `json:"uris"`
}

// Client fetches ICE servers for new connections, implementing
// rtc.ServerSource. When the credential service is missing or
// unreachable the public fallback STUN servers are used instead, so a
// call can still connect on networks that don't need TURN.
type Client struct {
	endpoint string
	cfg      config.ICEConfig
	httpc    *http.Client
	logger   *zap.Logger
}

func NewClient(endpoint string, cfg config.ICEConfig, logger *zap.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		cfg:      cfg,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		logger:   logger.Named("creds"),
	}
}

func (c *Client) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	if c.endpoint == "" {
		c.logger.Debug("no credential service configured, using fallback STUN")
		return c.fallback(), nil
	}

	resp, err := c.fetch(ctx)
	if err != nil {
		c.logger.Warn("credential fetch failed, using fallback STUN", zap.Error(err))
		return c.fallback(), nil
	}

	servers := []webrtc.ICEServer{}
	if c.cfg.STUNServerURL != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{c.cfg.STUNServerURL}})
	}
	servers = append(servers, webrtc.ICEServer{
		URLs:           resp.URIs,
		Username:       resp.Username,
		Credential:     resp.Password,
		CredentialType: webrtc.ICECredentialTypePassword,
	})
	return servers, nil
}

func (c *Client) fetch(ctx context.Context) (*credentialResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build credential request: %w", err)
	}

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request credentials: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential service returned %s", res.Status)
	}

	var creds credentialResponse
	if err := json.NewDecoder(res.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if creds.Username == "" || creds.Password == "" || len(creds.URIs) == 0 {
		return nil, fmt.Errorf("credential service returned incomplete credentials")
	}
	return &creds, nil
}

func (c *Client) fallback() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.cfg.FallbackSTUNServers))
	for _, u := range c.cfg.FallbackSTUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}
