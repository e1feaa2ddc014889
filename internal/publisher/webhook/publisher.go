// Package webhook publishes outbox payloads by POSTing them to an HTTP endpoint,
// guarded by a rate limiter and a circuit breaker
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"go.outboxrelay.tech/internal/common/metrics"
	"go.outboxrelay.tech/internal/publisher"
)

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the receiver signalled a transient condition
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// Config holds webhook publisher settings
type Config struct {
	Name        string
	Types       []string
	URL         string
	BearerToken string
	Headers     map[string]string
	Timeout     time.Duration

	// RateLimit is the sustained requests per second; zero disables limiting
	RateLimit float64
	Burst     int

	// CircuitBreaker settings
	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32        // Requests allowed while half-open
	CircuitBreakerInterval    time.Duration // Stats window
	CircuitBreakerRatio       float64       // Failure ratio to trip
	CircuitBreakerTimeout     time.Duration // Time in open state before half-open
	CircuitBreakerMinRequests uint32        // Min requests before evaluating ratio
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:                   30 * time.Second,
		Burst:                     1,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// Publisher POSTs each payload as a JSON body
type Publisher struct {
	publisher.Base
	client         *http.Client
	limiter        *rate.Limiter
	circuitBreaker *gobreaker.CircuitBreaker
	config         Config
}

// New creates a webhook publisher
func New(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook: url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	p := &Publisher{
		Base:   publisher.NewBase(cfg.Name, cfg.Types),
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.CircuitBreakerEnabled {
		p.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: cfg.CircuitBreakerRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= cfg.CircuitBreakerRatio
			},
			IsSuccessful: func(err error) bool {
				// A rejected payload says nothing about the receiver's health
				var statusErr *StatusError
				if errors.As(err, &statusErr) {
					return !statusErr.Retryable()
				}
				return err == nil
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Info().
					Str("name", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state changed")

				var stateValue float64
				switch to {
				case gobreaker.StateClosed:
					stateValue = float64(metrics.CircuitBreakerClosed)
				case gobreaker.StateOpen:
					stateValue = float64(metrics.CircuitBreakerOpen)
					metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
				case gobreaker.StateHalfOpen:
					stateValue = float64(metrics.CircuitBreakerHalfOpen)
				}
				metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue)
			},
		})
	}

	return p, nil
}

// Publish POSTs payload to the configured URL. Any non-2xx response is an error.
func (p *Publisher) Publish(ctx context.Context, payload string) error {
	return p.Record(p.publish(ctx, payload))
}

func (p *Publisher) publish(ctx context.Context, payload string) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("webhook: rate limiter: %w", err)
		}
	}

	if p.circuitBreaker == nil {
		return p.post(ctx, payload)
	}

	_, err := p.circuitBreaker.Execute(func() (interface{}, error) {
		return nil, p.post(ctx, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		log.Warn().
			Str("publisher", p.Name()).
			Str("target", p.config.URL).
			Msg("Circuit breaker open, rejecting webhook")
		return fmt.Errorf("webhook: %s: %w", p.config.URL, err)
	}
	return err
}

func (p *Publisher) post(ctx context.Context, payload string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.config.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.BearerToken)
	}
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	startTime := time.Now()
	resp, err := p.client.Do(req)
	metrics.WebhookDuration.WithLabelValues(p.config.URL).Observe(time.Since(startTime).Seconds())

	if err != nil {
		metrics.WebhookRequests.WithLabelValues("error").Inc()
		return fmt.Errorf("webhook: post %s: %w", p.config.URL, err)
	}
	defer resp.Body.Close()

	metrics.WebhookRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// State returns the circuit breaker state, or closed when disabled
func (p *Publisher) State() gobreaker.State {
	if p.circuitBreaker == nil {
		return gobreaker.StateClosed
	}
	return p.circuitBreaker.State()
}

// Close releases idle connections
func (p *Publisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
