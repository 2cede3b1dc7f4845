package upstream

import (
	"net"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
)

// NewHTTPClient builds the shared upstream HTTP client: keep-alive enabled,
// bounded per-host connection pool, no overall timeout (streaming responses
// outlive any fixed deadline; callers bound requests with contexts).
func NewHTTPClient(connectTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          config.DefaultMaxSocketsPerHost,
			MaxIdleConnsPerHost:   config.DefaultMaxSocketsPerHost,
			MaxConnsPerHost:       config.DefaultMaxSocketsPerHost,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}
