package security

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/p369349074/QuantDinger-sub001/internal/config"
)

const siteverifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

var (
	ErrTurnstileClosed  = errors.New("turnstile verifier closed")
	ErrMissingToken     = errors.New("missing Turnstile token")
	ErrVerifyFailed     = errors.New("Turnstile verification failed")
	ErrServiceUnhealthy = errors.New("Turnstile service unavailable")
)

// Turnstile verifies Cloudflare Turnstile challenge tokens.
//
// The verifier warms up at most once: the first Ready call probes the
// siteverify endpoint, concurrent callers wait on that single probe, and all
// of them receive the same outcome. A failed probe is delivered to every
// waiter and the verifier may be warmed again on the next call. When the
// site or secret key is absent, verification is skipped entirely.
type Turnstile struct {
	cfg      config.TurnstileConfig
	client   *http.Client
	endpoint string

	mu      sync.Mutex
	state   warmState
	waiters []chan error
	lastErr error
	closed  bool
}

type warmState int

const (
	warmIdle warmState = iota
	warmLoading
	warmReady
)

type Option func(*Turnstile)

// WithEndpoint overrides the siteverify URL. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(t *Turnstile) { t.endpoint = endpoint }
}

func WithHTTPClient(client *http.Client) Option {
	return func(t *Turnstile) { t.client = client }
}

func NewTurnstile(cfg config.TurnstileConfig, opts ...Option) *Turnstile {
	t := &Turnstile{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		endpoint: siteverifyURL,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Turnstile) Enabled() bool { return t.cfg.Enabled() }

// SiteKey is the public key handed to browsers for widget rendering.
func (t *Turnstile) SiteKey() string { return t.cfg.SiteKey }

// Ready warms the verifier, performing the endpoint probe at most once.
// Callers arriving while a probe is in flight block until it settles and
// share its result. After a failed probe the next caller retries.
func (t *Turnstile) Ready(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTurnstileClosed
	}
	switch t.state {
	case warmReady:
		t.mu.Unlock()
		return nil
	case warmLoading:
		ch := make(chan error, 1)
		t.waiters = append(t.waiters, ch)
		t.mu.Unlock()
		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.state = warmLoading
	t.mu.Unlock()

	err := t.probe(ctx)

	t.mu.Lock()
	if err != nil {
		t.state = warmIdle
		t.lastErr = err
	} else {
		t.state = warmReady
		t.lastErr = nil
	}
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
	return err
}

// probe exercises the siteverify endpoint with an empty token. Any HTTP
// response means the service is reachable; only transport errors fail.
func (t *Turnstile) probe(ctx context.Context) error {
	form := url.Values{"secret": {t.cfg.SecretKey}, "response": {""}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("turnstile probe failed")
		return ErrServiceUnhealthy
	}
	resp.Body.Close()
	return nil
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify checks a challenge token against the siteverify endpoint. When the
// widget is not configured every token passes. Endpoint failures deny.
func (t *Turnstile) Verify(ctx context.Context, token, remoteIP string) error {
	if !t.Enabled() {
		return nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTurnstileClosed
	}
	t.mu.Unlock()

	if token == "" {
		return ErrMissingToken
	}

	form := url.Values{
		"secret":   {t.cfg.SecretKey},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return ErrServiceUnhealthy
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("turnstile API error")
		return ErrServiceUnhealthy
	}
	defer resp.Body.Close()

	var result siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Error().Err(err).Msg("turnstile response decode error")
		return ErrServiceUnhealthy
	}

	if !result.Success {
		log.Warn().Strs("error_codes", result.ErrorCodes).Msg("turnstile verification failed")
		return ErrVerifyFailed
	}
	return nil
}

// Reset returns the verifier to the unwarmed state so the next Ready call
// probes again.
func (t *Turnstile) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == warmLoading {
		return
	}
	t.state = warmIdle
	t.lastErr = nil
}

// Close rejects in-flight waiters and refuses further use.
func (t *Turnstile) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- ErrTurnstileClosed
	}
}
