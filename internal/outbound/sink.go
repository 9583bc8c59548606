// Package outbound delivers commands addressed to external collaborators:
// the channel adapter, identity and KYC providers, and the payment executor.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/retry"
	"github.com/chatbank/internal/saga"
)

// Sink receives external commands. Delivery is at-least-once; receivers
// deduplicate on the envelope's message id.
type Sink interface {
	Deliver(ctx context.Context, env messages.Envelope) error
}

// LogSink writes each command to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink writing to the global logger.
func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("component", "outbound").Logger()}
}

// Deliver logs env.
func (s *LogSink) Deliver(ctx context.Context, env messages.Envelope) error {
	s.logger.Info().
		Str("kind", string(env.Kind)).
		Str("message_id", env.MessageID).
		Str("correlation_id", env.Key.CorrelationID).
		RawJSON("payload", env.Payload).
		Msg("outbound command")
	return nil
}

// HTTPSink POSTs each envelope as JSON to an endpoint.
type HTTPSink struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewHTTPSink returns a sink posting to endpoint with an optional bearer token.
func NewHTTPSink(endpoint, token string) (*HTTPSink, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("outbound endpoint is required")
	}
	return &HTTPSink{
		endpoint:   endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Deliver posts env. 4xx responses other than 408 and 429 are permanent, as
// are transport errors retry.IsRetryableError does not recognise.
func (s *HTTPSink) Deliver(ctx context.Context, env messages.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return saga.Permanent(fmt.Errorf("failed to marshal envelope: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return saga.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Message-Id", env.MessageID)
	req.Header.Set("X-Message-Kind", string(env.Kind))
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to deliver %s: %w", env.Kind, err)
		if ctx.Err() == nil && !retry.IsRetryableError(err) {
			return saga.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("outbound endpoint returned %s for %s", resp.Status, env.Kind)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return saga.Permanent(err)
		}
		return err
	}
	return nil
}

// Recorder keeps delivered envelopes in memory.
type Recorder struct {
	ch chan messages.Envelope
}

// NewRecorder returns a recorder buffering up to size envelopes.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan messages.Envelope, size)}
}

// Deliver records env, failing when the buffer is full.
func (r *Recorder) Deliver(ctx context.Context, env messages.Envelope) error {
	select {
	case r.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("recorder full")
	}
}

// Envelopes returns the channel of recorded envelopes.
func (r *Recorder) Envelopes() <-chan messages.Envelope {
	return r.ch
}
