package mandate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/chatbank/internal/retry"
	"github.com/chatbank/internal/saga"
)

// HTTPProvider calls a REST mandate provider.
type HTTPProvider struct {
	name        string
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	RateLimiter *rate.Limiter
}

// NewHTTPProvider returns a provider client for baseURL limited to rps requests per second.
func NewHTTPProvider(name, baseURL, apiKey string, rps float64) (*HTTPProvider, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("mandate provider url is required")
	}
	if rps <= 0 {
		rps = 5
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &HTTPProvider{
		name:        name,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		RateLimiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// Name returns the provider name recorded on the mandate saga.
func (p *HTTPProvider) Name() string { return p.name }

// CreateCustomer posts to /customers.
func (p *HTTPProvider) CreateCustomer(ctx context.Context, req CustomerRequest) (Customer, error) {
	var c Customer
	if err := p.doRequest(ctx, "/customers", req.IdempotencyKey, req, &c); err != nil {
		return Customer{}, fmt.Errorf("create customer: %w", err)
	}
	return c, nil
}

// CreateMandate posts to /mandates.
func (p *HTTPProvider) CreateMandate(ctx context.Context, req MandateRequest) (Mandate, error) {
	var m Mandate
	if err := p.doRequest(ctx, "/mandates", req.IdempotencyKey, req, &m); err != nil {
		return Mandate{}, fmt.Errorf("create mandate: %w", err)
	}
	return m, nil
}

// doRequest POSTs payload as JSON. 4xx responses other than 408 and 429 are
// permanent, as are transport errors retry.IsRetryableError does not recognise;
// everything else is returned as a transient error.
func (p *HTTPProvider) doRequest(ctx context.Context, path, idempotencyKey string, payload, out interface{}) error {
	if err := p.RateLimiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return saga.Permanent(fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return saga.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to execute request: %w", err)
		if ctx.Err() == nil && !retry.IsRetryableError(err) {
			return saga.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("provider returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return saga.Permanent(err)
		}
		log.Warn().Str("provider", p.name).Int("status", resp.StatusCode).Str("path", path).Msg("transient provider failure")
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
