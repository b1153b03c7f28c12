// Package classifier scores behavioural session features with an external
// model service.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrUnavailable means no model is configured or the service could not
	// answer. Callers skip the verdict rather than fail the request.
	ErrUnavailable = errors.New("classifier: unavailable")
	ErrBadResponse = errors.New("classifier: bad response")
)

// Classifier returns the probability that a session was driven by a
// human.
type Classifier interface {
	Predict(ctx context.Context, features map[string]float64) (float64, error)
}

// Nop is used when no model endpoint is configured.
type Nop struct{}

func (Nop) Predict(context.Context, map[string]float64) (float64, error) {
	return 0, ErrUnavailable
}

type predictRequest struct {
	Features map[string]float64 `json:"features"`
}

type predictResponse struct {
	Probability *float64 `json:"probability"`
}

// HTTP posts features as JSON to a model server and reads
// {"probability": p}.
type HTTP struct {
	endpoint string
	client   *http.Client
}

// NewHTTP returns a client for endpoint. A nil client gets a default with
// timeout.
func NewHTTP(endpoint string, client *http.Client, timeout time.Duration) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTP{endpoint: endpoint, client: client}
}

func (h *HTTP) Predict(ctx context.Context, features map[string]float64) (float64, error) {
	body, err := json.Marshal(predictRequest{Features: features})
	if err != nil {
		return 0, fmt.Errorf("classifier: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("classifier: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, errors.Join(ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var out predictResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if out.Probability == nil || *out.Probability < 0 || *out.Probability > 1 {
		return 0, fmt.Errorf("%w: probability out of range", ErrBadResponse)
	}
	return *out.Probability, nil
}

// New returns an HTTP classifier for endpoint, or Nop when endpoint is
// empty.
func New(endpoint string, timeout time.Duration) Classifier {
	if endpoint == "" {
		return Nop{}
	}
	return NewHTTP(endpoint, nil, timeout)
}
