package probe

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// Result is one probe observation.
type Result struct {
	Healthy    bool
	Latency    time.Duration
	StatusCode int
	Err        string
}

// Prober checks whether a target is reachable and healthy. Implementations
// replace the simulated health checks the platform used to carry.
type Prober interface {
	Probe(ctx context.Context, target string) Result
}

// HTTPProber performs GET probes against health endpoints. Any 2xx/3xx
// status counts as healthy.
type HTTPProber struct {
	client  *fasthttp.Client
	timeout time.Duration
}

// NewHTTPProber creates a prober with a bounded per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		client: &fasthttp.Client{
			MaxConnsPerHost:     16,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		timeout: timeout,
	}
}

// Probe issues one GET against target (a URL).
func (p *HTTPProber) Probe(_ context.Context, target string) Result {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target)
	req.Header.SetMethod(fasthttp.MethodGet)

	start := time.Now()
	err := p.client.DoTimeout(req, resp, p.timeout)
	latency := time.Since(start)

	if err != nil {
		return Result{Healthy: false, Latency: latency, Err: err.Error()}
	}

	code := resp.StatusCode()
	return Result{
		Healthy:    code >= 200 && code < 400,
		Latency:    latency,
		StatusCode: code,
	}
}

// TCPProber checks plain TCP reachability for targets without an HTTP
// health endpoint.
type TCPProber struct {
	timeout time.Duration
}

// NewTCPProber creates a TCP prober.
func NewTCPProber(timeout time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPProber{timeout: timeout}
}

// Probe dials target (a host:port address).
func (p *TCPProber) Probe(_ context.Context, target string) Result {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", target, p.timeout)
	latency := time.Since(start)

	if err != nil {
		return Result{Healthy: false, Latency: latency, Err: err.Error()}
	}
	conn.Close()
	return Result{Healthy: true, Latency: latency}
}

// Mux picks a prober by target scheme. tcp:// targets are dialed
// directly, everything else is treated as an HTTP health endpoint.
type Mux struct {
	http Prober
	tcp  Prober
}

// NewMux creates the scheme-routing prober.
func NewMux(timeout time.Duration) *Mux {
	return &Mux{
		http: NewHTTPProber(timeout),
		tcp:  NewTCPProber(timeout),
	}
}

func (m *Mux) Probe(ctx context.Context, target string) Result {
	if addr, ok := strings.CutPrefix(target, "tcp://"); ok {
		return m.tcp.Probe(ctx, addr)
	}
	return m.http.Probe(ctx, target)
}
