// Package httpc builds HTTP clients for calls to external services.
package httpc

import (
	"net"
	"net/http"
	"time"
)

// Transport limits for outbound connections
const (
	ConnectTimeout      = 5 * time.Second
	KeepAlive           = 30 * time.Second
	IdleConnTimeout     = 90 * time.Second
	TLSHandshakeTimeout = 10 * time.Second
)

// NewClient returns a client whose requests fail after timeout.
// Idle connections are pooled per host, so reuse the client across calls.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   ConnectTimeout,
				KeepAlive: KeepAlive,
			}).DialContext,
			MaxIdleConns:          8,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       IdleConnTimeout,
			TLSHandshakeTimeout:   TLSHandshakeTimeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}
