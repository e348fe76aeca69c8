package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/patrickmn/go-cache"

	"github.com/totegamma/ticketgate"
)

const (
	defaultTimeout = 35 * time.Second
	userAgent      = "ticketgate-client/1.0"
)

// Client talks to a verification gateway on behalf of a gate device.
type Client struct {
	client  *http.Client
	cache   *cache.Cache
	gateway string
}

// New creates a client for the gateway at base, a URL or a bare domain.
func New(base string) *Client {
	httpClient := http.Client{
		Timeout: defaultTimeout,
	}

	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	c := &Client{
		client:  &httpClient,
		cache:   cache.New(10*time.Minute, 15*time.Minute),
		gateway: strings.TrimRight(base, "/"),
	}
	httpClient.Transport = c
	return c
}

func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", userAgent)
	return http.DefaultTransport.RoundTrip(req)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	url := c.gateway + path
	slog.DebugContext(ctx, "gateway request", slog.String("method", method), slog.String("url", url), slog.String("module", "client"))

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform request: %v", err)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, response any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	err = json.NewDecoder(resp.Body).Decode(response)
	if err != nil {
		return fmt.Errorf("failed to decode response: %v", err)
	}
	return nil
}

// WellKnown fetches the gateway's discovery document. It is cached.
func (c *Client) WellKnown(ctx context.Context) (ticketgate.WellKnown, error) {
	cacheKey := "wellknown"
	x, found := c.cache.Get(cacheKey)
	if found {
		return x.(ticketgate.WellKnown), nil
	}

	var wk ticketgate.WellKnown
	if err := c.get(ctx, "/.well-known/ticketgate", &wk); err != nil {
		return ticketgate.WellKnown{}, fmt.Errorf("failed to get well-known ticketgate: %v", err)
	}

	c.cache.Set(cacheKey, wk, cache.DefaultExpiration)
	return wk, nil
}

func (c *Client) endpoint(ctx context.Context, name, fallback string) string {
	wk, err := c.WellKnown(ctx)
	if err != nil {
		return fallback
	}
	ep, ok := wk.Endpoints[name]
	if !ok {
		return fallback
	}
	return ep.Template
}

func (c *Client) Health(ctx context.Context) (ticketgate.Health, error) {
	var health ticketgate.Health
	if err := c.get(ctx, "/health", &health); err != nil {
		return ticketgate.Health{}, err
	}
	return health, nil
}

// Verify submits a scanned payload. Denies are returned as responses, not errors;
// an error means no decision could be obtained.
func (c *Client) Verify(ctx context.Context, payload ticketgate.ScanPayload, markUsed bool) (ticketgate.VerifyResponse, error) {
	req := ticketgate.VerifyRequest{
		Registry:     payload.Registry,
		CredentialID: payload.CredentialID,
		ChainID:      payload.ChainID,
		MarkUsed:     markUsed,
	}

	path := c.endpoint(ctx, "ticketgate.verify", "/verify")
	resp, err := c.do(ctx, http.MethodPost, path, req)
	if err != nil {
		return ticketgate.VerifyResponse{}, err
	}
	defer resp.Body.Close()

	var result ticketgate.VerifyResponse
	err = json.NewDecoder(resp.Body).Decode(&result)
	if err != nil {
		return ticketgate.VerifyResponse{}, fmt.Errorf("failed to decode verify response (status %d): %v", resp.StatusCode, err)
	}
	return result, nil
}

// Summary fetches a registry summary. Summaries are cached briefly.
func (c *Client) Summary(ctx context.Context, registry common.Address) (ticketgate.RegistrySummary, error) {
	cacheKey := "summary:" + registry.Hex()
	x, found := c.cache.Get(cacheKey)
	if found {
		return x.(ticketgate.RegistrySummary), nil
	}

	path := c.endpoint(ctx, "ticketgate.registry", "/registries/{address}")
	path = strings.ReplaceAll(path, "{address}", registry.Hex())

	var summary ticketgate.RegistrySummary
	if err := c.get(ctx, path, &summary); err != nil {
		return ticketgate.RegistrySummary{}, fmt.Errorf("failed to get registry summary: %v", err)
	}

	c.cache.Set(cacheKey, summary, time.Minute)
	return summary, nil
}
