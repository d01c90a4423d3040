// Package timestamp supplies the opaque date string prepended to every
// directory request. The protocol carries it verbatim; nothing parses it.
package timestamp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Layout is the format the time-stamp service answers with.
const Layout = "02/01/2006 15:04:05"

// maxBody caps how much of a (possibly misbehaving) service reply is read.
const maxBody = 64

// Source produces the timestamp string sent with each directory request.
type Source interface {
	Now(ctx context.Context) (string, error)
}

// SystemSource formats the local clock. It is the fallback when no external
// service is configured.
type SystemSource struct{}

func (SystemSource) Now(_ context.Context) (string, error) {
	return time.Now().Format(Layout), nil
}

// HTTPSource queries the external time-stamp service over HTTP and forwards
// its reply untouched.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource builds a source for the service at base, e.g.
// "http://127.0.0.1:8000". The service is consulted with a short timeout; a
// slow clock must not stall the protocol.
func NewHTTPSource(base string) *HTTPSource {
	return &HTTPSource{
		url:    strings.TrimRight(base, "/") + "/datetime",
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

func (s *HTTPSource) Now(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("timestamp: service answered %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", err
	}

	ts := strings.TrimSpace(string(body))
	if ts == "" {
		return "", fmt.Errorf("timestamp: empty reply from %s", s.url)
	}
	return ts, nil
}
