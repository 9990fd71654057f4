package provider

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

func TestHTTPClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generate", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "flux-pro", req.ModelID)
		_ = json.NewEncoder(w).Encode(Result{URL: "https://cdn/x.png", ImageID: "img-1"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "k", WithRateLimit(100, 1))
	res, err := c.Generate(context.Background(), Request{QueueID: 1, ModelID: "flux-pro"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/x.png", res.URL)
	assert.Equal(t, "img-1", res.ImageID)
}

func TestHTTPClient_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"prompt rejected by safety filter"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "").Generate(context.Background(), Request{ModelID: "flux-pro"})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusUnprocessableEntity, pe.StatusCode)
	assert.Equal(t, "prompt rejected by safety filter", pe.Message)
}

func TestHTTPClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPClient(srv.URL, "").Generate(ctx, Request{ModelID: "veo"})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "generation timed out", pe.Message)
}

func TestFake(t *testing.T) {
	f := &Fake{}
	res, err := f.Generate(context.Background(), Request{QueueID: 9, ModelID: "veo"})
	require.NoError(t, err)
	assert.Equal(t, "veo-9", res.ImageID)

	f.Fail = func(Request) error { return &Error{Message: "quota exceeded"} }
	_, err = f.Generate(context.Background(), Request{QueueID: 9, ModelID: "veo"})
	assert.EqualError(t, err, "provider: quota exceeded")
}
