package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
)

// FallbackSTUN is used when no STUN server is configured.
const FallbackSTUN = "stun:stun.l.google.com:19302"

// ICEServerConfig is one configured ICE server.
type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls" json:"urls"`
	Username   string   `mapstructure:"username" json:"username,omitempty"`
	Credential string   `mapstructure:"credential" json:"credential,omitempty"`
}

// ICEConfig lists where ICE servers come from.
type ICEConfig struct {
	Servers []ICEServerConfig `mapstructure:"servers"`
	// URL is an ICE endpoint such as the relay service's /api/ice-servers.
	URL string `mapstructure:"url"`
	// Cloudflare TURN credentials.
	TurnKeyID string `mapstructure:"turn_key_id"`
	TurnKey   string `mapstructure:"turn_key"`
}

// Resolve gathers configured, fetched and TURN servers and makes sure a
// STUN server is present. Failures of the remote sources are logged and
// skipped.
func (c ICEConfig) Resolve(ctx context.Context) []webrtc.ICEServer {
	l := pkglog.Ctx(ctx)
	servers := make([]webrtc.ICEServer, 0, len(c.Servers)+2)
	for _, s := range c.Servers {
		servers = append(servers, s.toPion())
	}

	if c.URL != "" {
		fetched, err := FetchICEServers(ctx, c.URL)
		if err != nil {
			l.Warn().Err(err).Str("url", c.URL).Msg("failed to fetch ICE servers")
		} else {
			servers = append(servers, fetched...)
		}
	}

	if c.TurnKeyID != "" && c.TurnKey != "" {
		turn, err := CloudflareTURN(ctx, c.TurnKeyID, c.TurnKey)
		if err != nil {
			l.Warn().Err(err).Msg("failed to get Cloudflare TURN credentials")
		} else {
			servers = append(servers, *turn)
		}
	}

	return WithFallbackSTUN(servers)
}

func (s ICEServerConfig) toPion() webrtc.ICEServer {
	return webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential}
}

// WithFallbackSTUN prepends FallbackSTUN unless servers already has a
// STUN url.
func WithFallbackSTUN(servers []webrtc.ICEServer) []webrtc.ICEServer {
	for _, s := range servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:") {
				return servers
			}
		}
	}
	return append([]webrtc.ICEServer{{URLs: []string{FallbackSTUN}}}, servers...)
}

// ICEResponse is the body of the ICE endpoint.
type ICEResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// FetchICEServers reads an ICE endpoint.
func FetchICEServers(ctx context.Context, url string) ([]webrtc.ICEServer, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ICE servers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ICE endpoint returned status %d", resp.StatusCode)
	}

	var body ICEResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ICE servers: %w", err)
	}
	return body.ICEServers, nil
}

type cloudflareTURNResponse struct {
	ICEServers struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	} `json:"iceServers"`
}

// cloudflareTURNURL is a variable so tests can point it elsewhere.
var cloudflareTURNURL = "https://rtc.live.cloudflare.com/v1/turn/keys/%s/credentials/generate"

// CloudflareTURN generates short-lived TURN credentials.
func CloudflareTURN(ctx context.Context, keyID, key string) (*webrtc.ICEServer, error) {
	url := fmt.Sprintf(cloudflareTURNURL, keyID)
	reqBody := []byte(`{"ttl": 86400}`)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call TURN API: %w", err)
	}
	defer resp.Body.Close()

	// The API answers 201 on success.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("TURN API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var turnResp cloudflareTURNResponse
	if err := json.NewDecoder(resp.Body).Decode(&turnResp); err != nil {
		return nil, fmt.Errorf("failed to decode TURN response: %w", err)
	}

	return &webrtc.ICEServer{
		URLs:       turnResp.ICEServers.URLs,
		Username:   turnResp.ICEServers.Username,
		Credential: turnResp.ICEServers.Credential,
	}, nil
}
