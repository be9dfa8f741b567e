package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	tlerrors "github.com/mirkobrombin/go-tenantlock/v1/errors"
	"github.com/mirkobrombin/go-tenantlock/v1/lock"
	"github.com/mirkobrombin/go-tenantlock/v1/metrics"
	"github.com/mirkobrombin/go-tenantlock/v1/reaper"
	"github.com/mirkobrombin/go-tenantlock/v1/syncbus"
)

type decoded struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *lock.Handle) {
	t.Helper()
	h := lock.NewHandle(lock.NewInMemoryStore(), lock.WithBus(syncbus.NewInMemoryBus()))
	srv := httptest.NewServer(NewServer(h, opts...).Router())
	t.Cleanup(srv.Close)
	return srv, h
}

func do(t *testing.T, method, url string, body any) (*http.Response, decoded) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var d decoded
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp, d
}

func TestAcquireStealAndRelease(t *testing.T) {
	srv, h := newTestServer(t)

	resp, d := do(t, http.MethodPost, srv.URL+"/v1/locks", LockRequest{Key: "tenant-a", Requester: "w1"})
	if resp.StatusCode != http.StatusCreated || !d.Success {
		t.Fatalf("acquire: status %d %+v", resp.StatusCode, d)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/locks", LockRequest{Key: "tenant-a", Requester: "w1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("re-entrant acquire: expected 409, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/locks", LockRequest{Key: "tenant-a", Requester: "w2"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("steal: expected 201, got %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/locks/tenant-a?requester=w1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stale release: expected 204, got %d", resp.StatusCode)
	}
	rec, ok, _ := h.Store().Get(context.Background(), "tenant-a")
	if !ok || rec.Holder != "w2" {
		t.Fatalf("w2 should still hold the lock, got %+v %v", rec, ok)
	}
	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/locks/tenant-a?requester=w2", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("release: expected 204, got %d", resp.StatusCode)
	}
	if _, ok, _ := h.Store().Get(context.Background(), "tenant-a"); ok {
		t.Fatal("lock should be released")
	}
}

func TestAcquireByOperation(t *testing.T) {
	srv, _ := newTestServer(t)

	_, d := do(t, http.MethodPost, srv.URL+"/v1/locks", LockRequest{Operation: "set_router_gateway", Tenant: "tenant-a", Requester: "w1"})
	var lr LockResponse
	if err := json.Unmarshal(d.Data, &lr); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if lr.Key != lock.GlobalKeyName || !lr.Global || !lr.Acquired {
		t.Fatalf("expected the global lock, got %+v", lr)
	}
}

func TestTryAcquireReportsContention(t *testing.T) {
	srv, _ := newTestServer(t)

	for i, want := range []bool{true, false} {
		resp, d := do(t, http.MethodPost, srv.URL+"/v1/locks/try", LockRequest{Key: lock.GlobalKeyName, Requester: fmt.Sprintf("w%d", i)})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("try %d: status %d", i, resp.StatusCode)
		}
		var lr LockResponse
		if err := json.Unmarshal(d.Data, &lr); err != nil {
			t.Fatalf("decode data: %v", err)
		}
		if lr.Acquired != want {
			t.Fatalf("try %d: expected acquired=%v, got %+v", i, want, lr)
		}
	}
}

func TestBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"missing requester", http.MethodPost, "/v1/locks", LockRequest{Key: "tenant-a"}},
		{"missing key", http.MethodPost, "/v1/locks", LockRequest{Requester: "w1"}},
		{"tenant op without tenant", http.MethodPost, "/v1/locks", LockRequest{Operation: "create_port", Requester: "w1"}},
		{"bad body", http.MethodPost, "/v1/locks", "not an object"},
		{"release without requester", http.MethodDelete, "/v1/locks/tenant-a", nil},
		{"bad older_than", http.MethodGet, "/v1/locks/stale?older_than=soon", nil},
		{"scope without tenant", http.MethodGet, "/v1/scopes/create_port", nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, d := do(t, c.method, srv.URL+c.path, c.body)
			if resp.StatusCode != http.StatusBadRequest || d.Success {
				t.Fatalf("expected 400, got %d %+v", resp.StatusCode, d)
			}
		})
	}
}

func TestStaleAndSteal(t *testing.T) {
	srv, h := newTestServer(t)
	ctx := context.Background()
	if err := h.Acquire(ctx, lock.TenantScope("tenant-a"), "w1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, d := do(t, http.MethodGet, srv.URL+"/v1/locks/stale?older_than=0s", nil)
	var recs []lock.Record
	if err := json.Unmarshal(d.Data, &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0].Holder != "w1" {
		t.Fatalf("expected one stale record held by w1, got %+v", recs)
	}

	_, d = do(t, http.MethodPost, srv.URL+"/v1/locks/tenant-a/steal", nil)
	var out map[string]bool
	if err := json.Unmarshal(d.Data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out["removed"] {
		t.Fatalf("expected removed, got %+v", out)
	}
	if _, ok, _ := h.Store().Get(ctx, "tenant-a"); ok {
		t.Fatal("steal should remove the record")
	}
}

func TestSelectScope(t *testing.T) {
	srv, _ := newTestServer(t)

	_, d := do(t, http.MethodGet, srv.URL+"/v1/scopes/create_port?tenant=tenant-a", nil)
	var lr LockResponse
	if err := json.Unmarshal(d.Data, &lr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if lr.Key != "tenant-a" || lr.Global {
		t.Fatalf("unexpected scope %+v", lr)
	}
}

func TestReaperScan(t *testing.T) {
	store := lock.NewInMemoryStore()
	h := lock.NewHandle(store)
	r, err := reaper.New(store, reaper.WithMode(reaper.ModeReap), reaper.WithOlderThan(1))
	if err != nil {
		t.Fatalf("reaper: %v", err)
	}
	srv := httptest.NewServer(NewServer(h, WithReaper(r)).Router())
	defer srv.Close()

	if err := h.Acquire(context.Background(), lock.TenantScope("tenant-a"), "w1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	resp, d := do(t, http.MethodPost, srv.URL+"/v1/reaper/scan", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scan: status %d", resp.StatusCode)
	}
	var rep reaper.Report
	if err := json.Unmarshal(d.Data, &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Reaped != 1 {
		t.Fatalf("expected one reaped record, got %+v", rep)
	}

	srv2, _ := newTestServer(t)
	if resp, _ := do(t, http.MethodPost, srv2.URL+"/v1/reaper/scan", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without reaper, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	srv, _ := newTestServer(t, WithGatherer(reg))

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(buf.Bytes(), []byte("tenantlock_stale_locks")) {
		t.Fatalf("metrics output missing lock collectors:\n%s", buf.String())
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&lock.BusyError{Key: "k", Requester: "r", Reason: lock.ReasonReentrant}, http.StatusConflict},
		{tlerrors.ErrInvalidKey, http.StatusBadRequest},
		{tlerrors.ErrInvalidRequester, http.StatusBadRequest},
		{tlerrors.ErrTimeout, http.StatusGatewayTimeout},
		{tlerrors.Storage("create", errors.New("boom")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := StatusFor(c.err); got != c.code {
			t.Fatalf("StatusFor(%v) = %d, want %d", c.err, got, c.code)
		}
	}
}
