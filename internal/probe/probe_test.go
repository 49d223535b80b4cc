package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProber_HealthyOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewHTTPProber(2 * time.Second)
	res := p.Probe(context.Background(), srv.URL)

	assert.True(t, res.Healthy)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Greater(t, res.Latency, time.Duration(0))
}

func TestHTTPProber_UnhealthyOn500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProber(2 * time.Second)
	res := p.Probe(context.Background(), srv.URL)

	assert.False(t, res.Healthy)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestHTTPProber_ConnectionRefused(t *testing.T) {
	p := NewHTTPProber(500 * time.Millisecond)
	res := p.Probe(context.Background(), "http://127.0.0.1:1/health")

	assert.False(t, res.Healthy)
	assert.NotEmpty(t, res.Err)
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := NewTCPProber(time.Second)
	res := p.Probe(context.Background(), ln.Addr().String())
	assert.True(t, res.Healthy)

	res = p.Probe(context.Background(), "127.0.0.1:1")
	assert.False(t, res.Healthy)
	assert.NotEmpty(t, res.Err)
}

func TestMux_RoutesByScheme(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := NewMux(time.Second)

	res := p.Probe(context.Background(), srv.URL)
	assert.True(t, res.Healthy)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = p.Probe(context.Background(), "tcp://"+ln.Addr().String())
	assert.True(t, res.Healthy)
	assert.Zero(t, res.StatusCode)

	res = p.Probe(context.Background(), "tcp://127.0.0.1:1")
	assert.False(t, res.Healthy)
	assert.NotEmpty(t, res.Err)
}
