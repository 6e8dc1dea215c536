package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ljn0099/picoWeatherCollector/internal/auth"
	"github.com/ljn0099/picoWeatherCollector/internal/config"
	"github.com/ljn0099/picoWeatherCollector/internal/db"
	"github.com/ljn0099/picoWeatherCollector/internal/db/dbtest"
	"github.com/ljn0099/picoWeatherCollector/internal/logging"
)

const station = "11111111-1111-1111-1111-111111111111"

type poolStub struct {
	conn     db.Conn
	acquired int
	released int
}

func (p *poolStub) Acquire() db.Conn { p.acquired++; return p.conn }
func (p *poolStub) Release(db.Conn)  { p.released++ }

type hooksStub struct {
	credentials map[string]string
	authCalls   int
}

func (h *hooksStub) Authenticate(_ context.Context, identity, credential string) bool {
	h.authCalls++
	want, ok := h.credentials[identity]
	return ok && credential != "" && want == credential
}

func (h *hooksStub) Authorize(identity, topic string) bool {
	return auth.Authorize(identity, topic)
}

func newTestServer(t *testing.T, pool Pool, hooks BrokerHooks, gatherer prometheus.Gatherer, opts ...Option) *httptest.Server {
	t.Helper()

	mux := NewMux(pool, hooks, gatherer, logging.Discard(), opts...)
	srv := NewServer(config.Config{HTTPAddr: ":0"}, mux, logging.Discard())
	ts := httptest.NewServer(srv.Handler)

	t.Cleanup(ts.Close)
	return ts
}

func mustGetJSON[T any](t *testing.T, client *http.Client, url string, out *T) *http.Response {
	t.Helper()

	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return resp
}

func postJSON(t *testing.T, client *http.Client, url string, body map[string]string) int {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := client.Post(url, "application/json", strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	pool := &poolStub{conn: &dbtest.Fake{}}
	ts := newTestServer(t, pool, &hooksStub{}, nil)

	var body map[string]string
	resp := mustGetJSON(t, ts.Client(), ts.URL+"/healthz", &body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Fatalf("body.status=%q want=%q", body["status"], "ok")
	}
	if pool.acquired != 1 || pool.released != 1 {
		t.Fatalf("acquired=%d released=%d, want 1/1", pool.acquired, pool.released)
	}
}

func TestHealthz_PingFailure(t *testing.T) {
	pool := &poolStub{conn: &dbtest.Fake{PingErr: errors.New("connection reset")}}
	ts := newTestServer(t, pool, &hooksStub{}, nil)

	var body map[string]any
	resp := mustGetJSON(t, ts.Client(), ts.URL+"/healthz", &body)

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusInternalServerError)
	}
	if pool.released != 1 {
		t.Fatalf("released=%d want=1", pool.released)
	}
}

func TestAuthHook(t *testing.T) {
	hooks := &hooksStub{credentials: map[string]string{station: "secret"}}
	ts := newTestServer(t, &poolStub{}, hooks, nil)

	tests := []struct {
		name string
		path string
		body map[string]string
		want int
	}{
		{name: "auth ok", path: "/mqtt/auth", body: map[string]string{"username": station, "password": "secret"}, want: http.StatusOK},
		{name: "auth wrong key", path: "/mqtt/auth", body: map[string]string{"username": station, "password": "nope"}, want: http.StatusForbidden},
		{name: "auth no password", path: "/mqtt/auth", body: map[string]string{"username": station}, want: http.StatusForbidden},
		{name: "acl data", path: "/mqtt/acl", body: map[string]string{"username": station, "topic": "stations/" + station + "/data", "acc": "2"}, want: http.StatusOK},
		{name: "acl status", path: "/mqtt/acl", body: map[string]string{"username": station, "topic": "stations/" + station + "/status", "acc": "2"}, want: http.StatusOK},
		{name: "acl other station", path: "/mqtt/acl", body: map[string]string{"username": station, "topic": "stations/22222222-2222-2222-2222-222222222222/data"}, want: http.StatusForbidden},
		{name: "acl foreign root", path: "/mqtt/acl", body: map[string]string{"username": station, "topic": "devices/" + station + "/data"}, want: http.StatusForbidden},
		{name: "superuser", path: "/mqtt/superuser", body: map[string]string{"username": station}, want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := postJSON(t, ts.Client(), ts.URL+tt.path, tt.body); got != tt.want {
				t.Fatalf("status=%d want=%d", got, tt.want)
			}
		})
	}
}

type pingStub struct{ err error }

func (p pingStub) Ping(context.Context) error { return p.err }

func TestHealthz_LiveStore(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   map[string]string
	}{
		{
			name:       "reachable",
			wantStatus: http.StatusOK,
			wantBody:   map[string]string{"status": "ok", "database": "ok", "liveState": "ok"},
		},
		{
			name:       "unreachable",
			err:        errors.New("dial tcp: connection refused"),
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   map[string]string{"status": "degraded", "database": "ok", "liveState": "unavailable"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := &poolStub{conn: &dbtest.Fake{}}
			ts := newTestServer(t, pool, &hooksStub{}, nil, WithLiveStore(pingStub{err: tt.err}))

			var body map[string]string
			resp := mustGetJSON(t, ts.Client(), ts.URL+"/healthz", &body)

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status=%d want=%d", resp.StatusCode, tt.wantStatus)
			}
			for k, want := range tt.wantBody {
				if body[k] != want {
					t.Errorf("body.%s=%q want=%q", k, body[k], want)
				}
			}
			if pool.released != 1 {
				t.Fatalf("released=%d want=1", pool.released)
			}
		})
	}
}

func TestAuthHook_ServiceAccount(t *testing.T) {
	hooks := &hooksStub{credentials: map[string]string{station: "secret"}}
	service := ServiceAccount{Username: "weather-collector", Password: "collector-pass"}
	ts := newTestServer(t, &poolStub{}, hooks, nil, WithServiceAccount(service))

	tests := []struct {
		name string
		path string
		body map[string]string
		want int
	}{
		{name: "auth service", path: "/mqtt/auth", body: map[string]string{"username": "weather-collector", "password": "collector-pass"}, want: http.StatusOK},
		{name: "auth service wrong password", path: "/mqtt/auth", body: map[string]string{"username": "weather-collector", "password": "collector-pas"}, want: http.StatusForbidden},
		{name: "auth service empty password", path: "/mqtt/auth", body: map[string]string{"username": "weather-collector"}, want: http.StatusForbidden},
		{name: "auth station still works", path: "/mqtt/auth", body: map[string]string{"username": station, "password": "secret"}, want: http.StatusOK},
		{name: "acl service wildcard", path: "/mqtt/acl", body: map[string]string{"username": "weather-collector", "topic": "stations/+/data", "acc": "4"}, want: http.StatusOK},
		{name: "acl service shared", path: "/mqtt/acl", body: map[string]string{"username": "weather-collector", "topic": "$share/collectors/stations/+/data", "acc": "4"}, want: http.StatusOK},
		{name: "acl station wildcard", path: "/mqtt/acl", body: map[string]string{"username": station, "topic": "stations/+/data", "acc": "4"}, want: http.StatusForbidden},
		{name: "superuser service", path: "/mqtt/superuser", body: map[string]string{"username": "weather-collector"}, want: http.StatusOK},
		{name: "superuser station", path: "/mqtt/superuser", body: map[string]string{"username": station}, want: http.StatusForbidden},
		{name: "superuser other", path: "/mqtt/superuser", body: map[string]string{"username": "weather"}, want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := postJSON(t, ts.Client(), ts.URL+tt.path, tt.body); got != tt.want {
				t.Fatalf("status=%d want=%d", got, tt.want)
			}
		})
	}
	if hooks.authCalls != 1 {
		t.Fatalf("station gate called %d times, want 1 (service logins must not reach it)", hooks.authCalls)
	}
}

func TestAuthHook_NoServiceAccountConfigured(t *testing.T) {
	hooks := &hooksStub{credentials: map[string]string{}}
	ts := newTestServer(t, &poolStub{}, hooks, nil)

	// An empty username must not match an unset service account.
	if got := postJSON(t, ts.Client(), ts.URL+"/mqtt/superuser", map[string]string{"username": ""}); got != http.StatusForbidden {
		t.Fatalf("superuser status=%d want=%d", got, http.StatusForbidden)
	}
	if got := postJSON(t, ts.Client(), ts.URL+"/mqtt/auth", map[string]string{"username": "", "password": ""}); got != http.StatusForbidden {
		t.Fatalf("auth status=%d want=%d", got, http.StatusForbidden)
	}
}

func TestAuthHook_FormEncoded(t *testing.T) {
	hooks := &hooksStub{credentials: map[string]string{station: "secret"}}
	ts := newTestServer(t, &poolStub{}, hooks, nil)

	form := url.Values{"username": {station}, "password": {"secret"}}
	resp, err := ts.Client().PostForm(ts.URL+"/mqtt/auth", form)
	if err != nil {
		t.Fatalf("post form: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusOK)
	}
}

func TestAuthHook_MalformedBodyDenied(t *testing.T) {
	hooks := &hooksStub{}
	ts := newTestServer(t, &poolStub{}, hooks, nil)

	resp, err := ts.Client().Post(ts.URL+"/mqtt/auth", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusForbidden)
	}
	if hooks.authCalls != 0 {
		t.Fatalf("Authenticate called %d times, want 0", hooks.authCalls)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "weather_collector_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	ts := newTestServer(t, &poolStub{}, &hooksStub{}, reg)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusOK)
	}
	if !strings.Contains(string(body), "weather_collector_test_total 1") {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}

func TestRouting_UnknownRoute(t *testing.T) {
	ts := newTestServer(t, &poolStub{}, &hooksStub{}, nil)

	resp, err := ts.Client().Get(ts.URL + "/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestRouting_WrongMethod(t *testing.T) {
	ts := newTestServer(t, &poolStub{}, &hooksStub{}, nil)

	tests := []struct {
		method, path string
	}{
		{http.MethodPost, "/healthz"},
		{http.MethodGet, "/mqtt/auth"},
	}
	for _, tt := range tests {
		req, err := http.NewRequest(tt.method, ts.URL+tt.path, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		_ = resp.Body.Close()

		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status=%d want=%d", tt.method, tt.path, resp.StatusCode, http.StatusMethodNotAllowed)
		}
	}
}

func TestRequestLogger_SupportsHijack(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /upgrade", func(w http.ResponseWriter, _ *http.Request) {
		conn, buf, err := http.NewResponseController(w).Hijack()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
		_ = buf.Flush()
	})
	ts := httptest.NewServer(NewServer(config.Config{}, mux, logging.Discard()).Handler)
	t.Cleanup(ts.Close)

	resp, err := ts.Client().Get(ts.URL + "/upgrade")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
}
