// Package transport carries one utterance to the automation backend and brings
// back its raw JSON answer. Every Send is a single attempt.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

var (
	ErrStatus    = errors.New("unexpected status")
	ErrMalformed = errors.New("malformed response")
	ErrNoChoices = errors.New("no choices in response")
)

// maxPayload caps how much of a backend answer is read.
const maxPayload = 1 << 20

// Transport sends an utterance and returns the backend payload as JSON.
type Transport interface {
	Send(ctx context.Context, text string) ([]byte, error)
}

type request struct {
	Text string `json:"text"`
}

// ForEndpoint picks the transport for an endpoint URL by its scheme.
func ForEndpoint(endpoint string, client *http.Client) (Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return NewHTTP(endpoint, client), nil
	case "ws", "wss":
		return NewWebSocket(endpoint), nil
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

type timeout struct {
	next Transport
	d    time.Duration
}

// WithTimeout bounds every Send of t by d. A non-positive d returns t as is.
func WithTimeout(t Transport, d time.Duration) Transport {
	if d <= 0 {
		return t
	}
	return timeout{next: t, d: d}
}

func (t timeout) Send(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Send(ctx, text)
}
