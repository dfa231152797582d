package hostapi

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/fsm"
	"github.com/fluxorio/datacore/pkg/observability/prometheus"
	"github.com/fluxorio/datacore/pkg/protocol"
	"github.com/fluxorio/datacore/pkg/supervisor"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type fakeBackend struct {
	mu       sync.Mutex
	state    fsm.State
	lastOpts protocol.Options
	interval time.Duration
	polling  bool
	dataErr  error
	panicky  bool
	subs     []func(protocol.Message)

	entered chan struct{}
	release chan struct{}
}

func (b *fakeBackend) Data(ctx context.Context, opts protocol.Options) (json.RawMessage, error) {
	if b.release != nil {
		b.entered <- struct{}{}
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panicky {
		panic("boom")
	}
	b.lastOpts = opts
	if b.dataErr != nil {
		return nil, b.dataErr
	}
	return json.RawMessage(`{"data":[],"totalCount":0,"searchTerm":""}`), nil
}

func (b *fakeBackend) StartPolling(ctx context.Context, d time.Duration) (protocol.PollingStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polling = true
	if d > 0 {
		b.interval = d
	}
	return protocol.PollingStatus{Status: "started", Interval: b.interval}, nil
}

func (b *fakeBackend) StopPolling(ctx context.Context) (protocol.PollingStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polling = false
	return protocol.PollingStatus{Status: "stopped", Interval: b.interval}, nil
}

func (b *fakeBackend) SetPollingInterval(ctx context.Context, d time.Duration) (protocol.PollingStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interval = d
	return protocol.PollingStatus{Status: "interval-updated", Interval: d}, nil
}

func (b *fakeBackend) InvalidateCache(ctx context.Context) (string, error) {
	return "cache-invalidated", nil
}

func (b *fakeBackend) Subscribe(fn func(protocol.Message)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
	return func() {}
}

func (b *fakeBackend) emit(msg protocol.Message) {
	b.mu.Lock()
	subs := append([]func(protocol.Message){}, b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
}

func (b *fakeBackend) State() fsm.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *fakeBackend) setState(s fsm.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

func (b *fakeBackend) Generation() uint64 { return 1 }
func (b *fakeBackend) Pending() int       { return 0 }

func newInMemoryFastHTTP(t *testing.T, handler fasthttp.RequestHandler) *fasthttp.Client {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}

	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ln)
		close(done)
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		_ = srv.Shutdown()
		<-done
	})

	return &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
	}
}

func do(t *testing.T, client *fasthttp.Client, method, path, body string, headers ...string) (int, []byte, *fasthttp.ResponseHeader) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://datacore" + path)
	req.Header.SetMethod(method)
	if body != "" {
		req.SetBodyString(body)
		req.Header.SetContentType("application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	if err := client.DoTimeout(req, resp, 2*time.Second); err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	var h fasthttp.ResponseHeader
	resp.Header.CopyTo(&h)
	return resp.StatusCode(), append([]byte(nil), resp.Body()...), &h
}

func newTestServer(t *testing.T, b *fakeBackend, mutate ...func(*Config)) (*Server, *fasthttp.Client) {
	t.Helper()
	cfg := Config{Backend: b, Logger: core.NewDiscardLogger()}
	for _, fn := range mutate {
		fn(&cfg)
	}
	s := New(cfg)
	return s, newInMemoryFastHTTP(t, s.Handler())
}

func TestData_ForwardsOptions(t *testing.T) {
	b := &fakeBackend{state: supervisor.StateRunning}
	_, client := newTestServer(t, b)

	status, body, h := do(t, client, "POST", "/api/data",
		`{"type":"query","searchValue":"스마트","filter":["price",">",500000],"take":5}`)

	if status != 200 {
		t.Fatalf("status = %d, want 200 (%s)", status, body)
	}
	if !strings.Contains(string(body), `"totalCount":0`) {
		t.Errorf("body = %s, want the worker result", body)
	}
	if len(h.Peek(HeaderRequestID)) == 0 {
		t.Error("response should carry X-Request-ID")
	}
	if b.lastOpts.SearchValue != "스마트" || b.lastOpts.Take == nil || *b.lastOpts.Take != 5 {
		t.Errorf("options = %+v, want search and take forwarded", b.lastOpts)
	}
	if !b.lastOpts.HasFilter() {
		t.Error("filter should be forwarded")
	}
}

func TestData_EmptyBodyIsDefaultQuery(t *testing.T) {
	b := &fakeBackend{state: supervisor.StateRunning}
	_, client := newTestServer(t, b)

	status, _, _ := do(t, client, "POST", "/api/data", "")
	if status != 200 {
		t.Errorf("status = %d, want 200", status)
	}
}

func TestData_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unavailable", core.ErrWorkerUnavailable, 503},
		{"timeout", core.ErrRequestTimeout, 504},
		{"query failure", core.Wrap(core.ErrQueryFailure, context.Canceled), 400},
		{"initialization", &core.Error{Code: core.CodeInitialization, Message: "no storage"}, 503},
		{"transaction", core.ErrTransaction, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{state: supervisor.StateRunning, dataErr: tt.err}
			_, client := newTestServer(t, b)

			status, body, _ := do(t, client, "POST", "/api/data", `{}`)
			if status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
			var eb ErrorBody
			if err := json.Unmarshal(body, &eb); err != nil {
				t.Fatalf("error body is not JSON: %s", body)
			}
			if eb.Error == "" || eb.Message == "" || eb.RequestID == "" {
				t.Errorf("error body = %+v, want code, message and request id", eb)
			}
		})
	}
}

func TestData_MalformedBody(t *testing.T) {
	_, client := newTestServer(t, &fakeBackend{state: supervisor.StateRunning})

	status, body, _ := do(t, client, "POST", "/api/data", `{"take":`)
	if status != 400 {
		t.Errorf("status = %d, want 400 (%s)", status, body)
	}
	if !strings.Contains(string(body), core.CodeInvalidInput) {
		t.Errorf("body = %s, want %s", body, core.CodeInvalidInput)
	}
}

func TestPollingControl(t *testing.T) {
	b := &fakeBackend{state: supervisor.StateRunning, interval: 5 * time.Second}
	_, client := newTestServer(t, b)

	status, body, _ := do(t, client, "POST", "/api/polling/start", "")
	if status != 200 || !strings.Contains(string(body), `"status":"started"`) || !strings.Contains(string(body), `"interval":5000`) {
		t.Errorf("start = %d %s", status, body)
	}

	status, body, _ = do(t, client, "POST", "/api/polling/interval", `{"interval":1500}`)
	if status != 200 || !strings.Contains(string(body), `"interval":1500`) {
		t.Errorf("interval = %d %s", status, body)
	}
	if b.interval != 1500*time.Millisecond {
		t.Errorf("backend interval = %v, want 1.5s", b.interval)
	}

	status, _, _ = do(t, client, "POST", "/api/polling/interval", `{"interval":0}`)
	if status != 400 {
		t.Errorf("zero interval status = %d, want 400", status)
	}

	status, body, _ = do(t, client, "POST", "/api/polling/stop", "")
	if status != 200 || !strings.Contains(string(body), `"status":"stopped"`) {
		t.Errorf("stop = %d %s", status, body)
	}
	if b.polling {
		t.Error("backend should be stopped")
	}

	status, _, _ = do(t, client, "POST", "/api/polling/pause", "")
	if status != 404 {
		t.Errorf("unknown action status = %d, want 404", status)
	}
}

func TestInvalidateCache(t *testing.T) {
	_, client := newTestServer(t, &fakeBackend{state: supervisor.StateRunning})

	status, body, _ := do(t, client, "POST", "/api/cache/invalidate", "")
	if status != 200 || string(body) != `{"status":"cache-invalidated"}` {
		t.Errorf("invalidate = %d %s", status, body)
	}
}

func TestRouting_NotFoundAndMethod(t *testing.T) {
	_, client := newTestServer(t, &fakeBackend{state: supervisor.StateRunning})

	if status, _, _ := do(t, client, "GET", "/api/nope", ""); status != 404 {
		t.Errorf("unknown path status = %d, want 404", status)
	}
	if status, _, _ := do(t, client, "GET", "/api/data", ""); status != 405 {
		t.Errorf("wrong method status = %d, want 405", status)
	}
}

func TestHealth(t *testing.T) {
	b := &fakeBackend{state: supervisor.StateRunning}
	_, client := newTestServer(t, b)

	status, body, _ := do(t, client, "GET", "/health", "")
	if status != 200 || !strings.Contains(string(body), `"state":"running"`) {
		t.Errorf("health = %d %s", status, body)
	}

	b.setState(supervisor.StateRestarting)
	status, _, _ = do(t, client, "GET", "/health", "")
	if status != 503 {
		t.Errorf("restarting health status = %d, want 503", status)
	}
}

func TestNotifications(t *testing.T) {
	b := &fakeBackend{state: supervisor.StateRunning}
	_, client := newTestServer(t, b)

	b.emit(protocol.NewDataAvailable{Count: 2, Timestamp: time.UnixMilli(1700000000000)})
	b.emit(protocol.PollingError{Error: "source down"})

	status, body, _ := do(t, client, "GET", "/api/notifications", "")
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	var got notificationsBody
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if got.Latest != 2 || len(got.Notifications) != 2 {
		t.Fatalf("got %+v, want 2 notifications", got)
	}
	if got.Notifications[0].Kind != protocol.KindNewDataAvailable {
		t.Errorf("first kind = %s, want %s", got.Notifications[0].Kind, protocol.KindNewDataAvailable)
	}
	if !strings.Contains(string(got.Notifications[0].Frame), `"count":2`) {
		t.Errorf("frame = %s, want count 2", got.Notifications[0].Frame)
	}

	_, body, _ = do(t, client, "GET", "/api/notifications?since=1", "")
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Notifications) != 1 || got.Notifications[0].Kind != protocol.KindPollingError {
		t.Errorf("since=1 got %+v, want only the polling error", got.Notifications)
	}

	if status, _, _ := do(t, client, "GET", "/api/notifications?since=x", ""); status != 400 {
		t.Errorf("bad since status = %d, want 400", status)
	}
}

func TestRecovery(t *testing.T) {
	b := &fakeBackend{state: supervisor.StateRunning, panicky: true}
	_, client := newTestServer(t, b)

	status, body, _ := do(t, client, "POST", "/api/data", `{}`)
	if status != 500 || !strings.Contains(string(body), codeInternal) {
		t.Errorf("panic = %d %s, want 500 %s", status, body, codeInternal)
	}
}

func TestMetrics(t *testing.T) {
	reg := promclient.NewRegistry()
	m := prometheus.NewMetrics(reg)
	b := &fakeBackend{state: supervisor.StateRunning, dataErr: core.ErrWorkerUnavailable}
	_, client := newTestServer(t, b, func(c *Config) {
		c.Metrics = m
		c.ExposeMetrics = true
		c.Gatherer = reg
	})

	do(t, client, "POST", "/api/data", `{}`)
	do(t, client, "GET", "/health", "")

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/data", "5xx")); got != 1 {
		t.Errorf("POST /api/data 5xx = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx")); got != 1 {
		t.Errorf("GET /health 2xx = %v, want 1", got)
	}

	status, body, _ := do(t, client, "GET", "/metrics", "")
	if status != 200 || !strings.Contains(string(body), "http_requests_total") {
		t.Errorf("metrics = %d, body missing http_requests_total", status)
	}
}

func TestJWT(t *testing.T) {
	const secret = "test-secret"
	b := &fakeBackend{state: supervisor.StateRunning}
	_, client := newTestServer(t, b, func(c *Config) { c.JWTSecret = secret })

	if status, _, h := do(t, client, "POST", "/api/data", `{}`); status != 401 || len(h.Peek("WWW-Authenticate")) == 0 {
		t.Errorf("missing token status = %d, want 401 with WWW-Authenticate", status)
	}
	if status, _, _ := do(t, client, "POST", "/api/data", `{}`, "Authorization", "Bearer not-a-token"); status != 401 {
		t.Errorf("garbage token status = %d, want 401", status)
	}

	wrong, err := SignToken("other-secret", "presentation", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if status, _, _ := do(t, client, "POST", "/api/data", `{}`, "Authorization", "Bearer "+wrong); status != 401 {
		t.Errorf("wrong secret status = %d, want 401", status)
	}

	expired, err := SignToken(secret, "presentation", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if status, _, _ := do(t, client, "POST", "/api/data", `{}`, "Authorization", "Bearer "+expired); status != 401 {
		t.Errorf("expired token status = %d, want 401", status)
	}

	token, err := SignToken(secret, "presentation", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if status, body, _ := do(t, client, "POST", "/api/data", `{}`, "Authorization", "Bearer "+token); status != 200 {
		t.Errorf("valid token status = %d, want 200 (%s)", status, body)
	}

	if status, _, _ := do(t, client, "GET", "/health", ""); status != 200 {
		t.Errorf("health should skip auth, status = %d", status)
	}
}

func TestFeed_Wraps(t *testing.T) {
	f := NewFeed(3)
	for i := 1; i <= 5; i++ {
		f.Add(protocol.NewDataAvailable{Count: i, Timestamp: time.UnixMilli(int64(i))})
	}

	items, latest := f.Since(0)
	if latest != 5 {
		t.Errorf("latest = %d, want 5", latest)
	}
	if len(items) != 3 || items[0].Seq != 3 || items[2].Seq != 5 {
		t.Errorf("items = %+v, want seq 3..5", items)
	}

	items, _ = f.Since(5)
	if len(items) != 0 {
		t.Errorf("since latest = %d items, want 0", len(items))
	}
}

func TestBackpressure(t *testing.T) {
	b := &fakeBackend{
		state:   supervisor.StateRunning,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	s, client := newTestServer(t, b, func(c *Config) { c.MaxInFlight = 1 })

	first := make(chan int, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		req.SetRequestURI("http://datacore/api/data")
		req.Header.SetMethod("POST")
		if err := client.DoTimeout(req, resp, 2*time.Second); err != nil {
			first <- 0
			return
		}
		first <- resp.StatusCode()
	}()
	<-b.entered

	status, body, h := do(t, client, "POST", "/api/data", `{}`)
	if status != 503 || !strings.Contains(string(body), codeOverloaded) {
		t.Errorf("second request = %d %s, want 503 %s", status, body, codeOverloaded)
	}
	if string(h.Peek("Retry-After")) != "1" {
		t.Errorf("Retry-After = %q, want 1", h.Peek("Retry-After"))
	}
	if status, _, _ := do(t, client, "GET", "/health", ""); status != 200 {
		t.Errorf("health should not be limited, status = %d", status)
	}

	close(b.release)
	if got := <-first; got != 200 {
		t.Errorf("first request = %d, want 200", got)
	}
	if st := s.limiter.Stats(); st.InFlight != 0 || st.Rejected != 1 {
		t.Errorf("limiter stats = %+v, want 0 in flight and 1 rejected", st)
	}
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(2)
	if !l.TryAcquire() || !l.TryAcquire() {
		t.Fatal("first two acquisitions should succeed")
	}
	if l.TryAcquire() {
		t.Error("third acquisition should fail")
	}
	l.Release()
	if !l.TryAcquire() {
		t.Error("acquisition after release should succeed")
	}
	if st := l.Stats(); st.Capacity != 2 || st.InFlight != 2 || st.Rejected != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}
