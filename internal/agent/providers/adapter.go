package providers

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/nexus3/nexus3/internal/backoff"
	"github.com/nexus3/nexus3/internal/config"
	"github.com/nexus3/nexus3/internal/observability"
)

// errorBodyLimit caps how much of an error response is read and attached to
// an APIError.
const errorBodyLimit = 10 * 1024

// baseAdapter carries the HTTP plumbing shared by both dialects: API key
// resolution, auth headers, lazy client construction with TLS options, and
// the retry loop.
type baseAdapter struct {
	name    string
	cfg     config.ProviderConfig
	model   ResolvedModel
	apiKey  string
	logger  *observability.Logger
	metrics *observability.Metrics

	clientOnce sync.Once
	client     *http.Client
	clientErr  error

	closeOnce sync.Once
}

func newBaseAdapter(name string, cfg config.ProviderConfig, model ResolvedModel, logger *observability.Logger, metrics *observability.Metrics) (*baseAdapter, error) {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	var apiKey string
	if cfg.AuthMethod != "none" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("provider %s: missing API key: set %s", name, cfg.APIKeyEnv)
		}
	}
	return &baseAdapter{
		name:    name,
		cfg:     cfg,
		model:   model,
		apiKey:  apiKey,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Name returns the provider entry name from the configuration.
func (b *baseAdapter) Name() string { return b.name }

// Model returns the resolved model this adapter serves.
func (b *baseAdapter) Model() ResolvedModel { return b.model }

// Close releases pooled connections. Safe to call more than once.
func (b *baseAdapter) Close() error {
	b.closeOnce.Do(func() {
		if b.client != nil {
			b.client.CloseIdleConnections()
		}
	})
	return nil
}

// httpClient builds the client on first use and reuses it afterwards. The
// response-header timeout bounds how long the provider may take to start
// responding; streams may then run as long as they like.
func (b *baseAdapter) httpClient() (*http.Client, error) {
	b.clientOnce.Do(func() {
		tlsConfig, err := b.tlsConfig()
		if err != nil {
			b.clientErr = err
			return
		}
		b.client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSClientConfig:       tlsConfig,
				ResponseHeaderTimeout: b.cfg.RequestTimeout(),
			},
		}
	})
	return b.client, b.clientErr
}

func (b *baseAdapter) tlsConfig() (*tls.Config, error) {
	if b.cfg.VerifySSL != nil && !*b.cfg.VerifySSL {
		return &tls.Config{InsecureSkipVerify: true}, nil // #nosec G402 -- explicit verify_ssl: false in config
	}
	if b.cfg.SSLCACert == "" {
		return nil, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	pem, err := os.ReadFile(b.cfg.SSLCACert)
	if err != nil {
		// A missing bundle falls back to system roots alone.
		if errors.Is(err, fs.ErrNotExist) {
			b.logger.Warn(context.Background(), "ssl_ca_cert not found, using system roots",
				"provider", b.name, "path", b.cfg.SSLCACert)
			return &tls.Config{RootCAs: pool}, nil
		}
		return nil, fmt.Errorf("provider %s: read ssl_ca_cert: %w", b.name, err)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("provider %s: ssl_ca_cert %s contains no certificates", b.name, b.cfg.SSLCACert)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// send posts payload to url, retrying retryable statuses and transport
// errors with exponential backoff. It returns the response with status 200;
// the caller owns the body.
func (b *baseAdapter) send(ctx context.Context, url string, payload []byte, headers map[string]string) (*http.Response, error) {
	client, err := b.httpClient()
	if err != nil {
		return nil, err
	}

	policy := backoff.Policy{Factor: b.cfg.RetryBackoff, Cap: 10 * time.Second}
	attempts := b.cfg.Retries() + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff.Compute(policy, attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		b.setAuth(req)
		for k, v := range b.cfg.ExtraHeaders {
			req.Header.Set(k, v)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("provider %s: request failed: %w", b.name, err)
			b.recordRetry(ctx, attempt, attempts, "transport")
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		apiErr := b.apiError(resp)
		if !IsRetryable(apiErr) {
			return nil, apiErr
		}
		lastErr = apiErr
		b.recordRetry(ctx, attempt, attempts, strconv.Itoa(resp.StatusCode))
	}
	return nil, lastErr
}

func (b *baseAdapter) recordRetry(ctx context.Context, attempt, attempts int, status string) {
	if attempt+1 >= attempts {
		return
	}
	b.metrics.RecordRetry(b.name, status)
	b.logger.Debug(ctx, "retrying provider request",
		"provider", b.name, "attempt", attempt+1, "status", status)
}

// apiError drains up to errorBodyLimit bytes of the failed response and
// closes it. 401 and 403 become AuthenticationErrors.
func (b *baseAdapter) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthenticationError{Provider: b.name, StatusCode: resp.StatusCode}
	}
	return &APIError{Provider: b.name, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}

func (b *baseAdapter) setAuth(req *http.Request) {
	switch b.cfg.AuthMethod {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	case "api-key":
		req.Header.Set("api-key", b.apiKey)
	case "x-api-key":
		req.Header.Set("x-api-key", b.apiKey)
	}
}

// completionContext bounds a non-streaming request with the configured
// request timeout.
func (b *baseAdapter) completionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := b.cfg.RequestTimeout(); t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}
