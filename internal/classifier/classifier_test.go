package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithoutEndpoint(t *testing.T) {
	c := New("", time.Second)
	_, err := c.Predict(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPPredict(t *testing.T) {
	var got predictRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"probability": 0.87}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL, time.Second).Predict(context.Background(), map[string]float64{"duration": 12})
	require.NoError(t, err)
	assert.InDelta(t, 0.87, p, 1e-9)
	assert.Equal(t, 12.0, got.Features["duration"])
}

func TestHTTPPredictErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusInternalServerError, "boom", ErrUnavailable},
		{"not json", http.StatusOK, "<html>", ErrBadResponse},
		{"missing probability", http.StatusOK, `{}`, ErrBadResponse},
		{"out of range", http.StatusOK, `{"probability": 1.5}`, ErrBadResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTP(srv.URL, srv.Client(), 0).Predict(context.Background(), nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHTTPPredictUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, time.Second).Predict(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}
