package web

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/whisperer/internal/core"
)

type captured struct {
	contentType     string
	contentEncoding string
	authorization   string
	body            []byte
}

func collector(t *testing.T, status int, got chan<- captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		zr, err := gzip.NewReader(r.Body)
		if assert.NoError(t, err) {
			body, err = io.ReadAll(zr)
			assert.NoError(t, err)
		}
		got <- captured{
			contentType:     r.Header.Get("Content-Type"),
			contentEncoding: r.Header.Get("Content-Encoding"),
			authorization:   r.Header.Get("Authorization"),
			body:            body,
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("collector says no"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendAccepted(t *testing.T) {
	got := make(chan captured, 1)
	srv := collector(t, http.StatusAccepted, got)

	s := New(Config{Name: "sessions", URL: srv.URL, Token: "tok", ContentType: "application/json"})
	require.NoError(t, s.Send(context.Background(), []byte(`{"a":1}`)))

	req := <-got
	assert.Equal(t, "application/json", req.contentType)
	assert.Equal(t, "gzip", req.contentEncoding)
	assert.Equal(t, "Bearer tok", req.authorization)
	assert.Equal(t, `{"a":1}`, string(req.body))
	assert.Equal(t, "sessions", s.Name())
	assert.NoError(t, s.Close())
}

func TestSendNon202IsError(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusInternalServerError, http.StatusUnauthorized} {
		got := make(chan captured, 1)
		srv := collector(t, status, got)

		s := New(Config{Name: "packets", URL: srv.URL, ContentType: "application/vnd.tcpdump.pcap"})
		err := s.Send(context.Background(), []byte{1, 2, 3})
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrSinkStatus)
		assert.Contains(t, err.Error(), "collector says no")

		req := <-got
		assert.Empty(t, req.authorization)
	}
}

func TestSendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := New(Config{Name: "slow", URL: srv.URL, Timeout: 20 * time.Millisecond})
	err := s.Send(context.Background(), []byte("x"))
	assert.Error(t, err)
}

func TestSendUnreachable(t *testing.T) {
	s := New(Config{Name: "down", URL: "http://127.0.0.1:1/packets"})
	assert.Error(t, s.Send(context.Background(), []byte("x")))
}
