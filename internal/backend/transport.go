package backend

import (
	"context"
	"net/http"
	"time"
)

// TokenSource supplies the bearer credential attached to every request. Renewal is
// the implementation's business.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same credential.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// baseTransportConfig returns the shared HTTP transport configuration used by backend clients.
func baseTransportConfig() *http.Transport {
	return &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
	}
}

// newHTTPClient creates an HTTP client configured for backend requests.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: baseTransportConfig(),
		Timeout:   60 * time.Second,
	}
}
