// Package token supplies bearer tokens for the bridge's own calls to the
// legacy platform. Tokens are opaque; the bridge never inspects or mints
// credentials for caller-initiated writes, those carry the caller's token.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hemlock-io/relay/cfg"
)

const refreshMargin = 30 * time.Second

// Provider yields a bearer token for outbound calls
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// StaticProvider returns a fixed preconfigured token
type StaticProvider struct {
	token string
}

func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

func (p *StaticProvider) Token(ctx context.Context) (string, error) {
	return p.token, nil
}

// ExchangeProvider trades client credentials for a short-lived token at an
// exchange endpoint and caches it until shortly before expiry.
type ExchangeProvider struct {
	url       string
	clientID  string
	clientKey string
	client    *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewExchangeProvider(url, clientID, clientKey string) *ExchangeProvider {
	return &ExchangeProvider{
		url:       url,
		clientID:  clientID,
		clientKey: clientKey,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *ExchangeProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expiresAt.Add(-refreshMargin)) {
		return p.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"clientId":  p.clientID,
		"clientKey": p.clientKey,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange returned status %d", resp.StatusCode)
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("token exchange returned an empty token")
	}

	p.token = out.Token
	if out.ExpiresIn > 0 {
		p.expiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	} else {
		p.expiresAt = time.Now().Add(time.Hour)
	}

	log.Debug().Time("expires_at", p.expiresAt).Msg("Exchanged client credentials for bearer token")
	return p.token, nil
}

// FromConfig builds the provider the configuration implies. Returns nil when
// no credentials are configured; outbound calls then carry no token.
func FromConfig(tc cfg.TokenConfiguration) (Provider, error) {
	switch {
	case tc.Static != "":
		return NewStaticProvider(tc.Static), nil
	case tc.ExchangeURL != "":
		if tc.ClientID == "" || tc.ClientKey == "" {
			return nil, fmt.Errorf("token exchange requires client_id and client_key")
		}
		return NewExchangeProvider(tc.ExchangeURL, tc.ClientID, tc.ClientKey), nil
	}
	return nil, nil
}
