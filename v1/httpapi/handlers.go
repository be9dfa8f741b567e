package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-tenantlock/v1/lock"
	"github.com/mirkobrombin/go-tenantlock/v1/reaper"
	"github.com/mirkobrombin/go-tenantlock/v1/scope"
	"github.com/mirkobrombin/go-tenantlock/v1/syncbus"
)

// LockRequest is the body of POST /v1/locks and POST /v1/locks/try.
// Either Key, or Operation with Tenant, names the lock.
type LockRequest struct {
	Key       string `json:"key,omitempty"`
	Operation string `json:"operation,omitempty"`
	Tenant    string `json:"tenant,omitempty"`
	Requester string `json:"requester"`
	Retry     *bool  `json:"retry,omitempty"`
}

// LockResponse describes the lock a request acted on.
type LockResponse struct {
	Key       string `json:"key"`
	Global    bool   `json:"global"`
	Requester string `json:"requester,omitempty"`
	Acquired  bool   `json:"acquired"`
}

func (s *Server) decodeLock(r *http.Request) (LockRequest, lock.Key, error) {
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, lock.Key{}, badRequest("invalid request body: " + err.Error())
	}
	if req.Key != "" {
		key, err := lock.ParseKey(req.Key)
		return req, key, err
	}
	if req.Operation == "" {
		return req, lock.Key{}, badRequest("key or operation is required")
	}
	key, err := s.selector.Select(scope.Operation(req.Operation), req.Tenant)
	return req, key, err
}

func (s *Server) acquire(w http.ResponseWriter, r *http.Request) {
	req, key, err := s.decodeLock(r)
	if err != nil {
		writeError(s.log, w, r, err)
		return
	}
	var opts []lock.AcquireOption
	if req.Retry != nil && !*req.Retry {
		opts = append(opts, lock.NoRetry())
	}
	if err := s.handle.Acquire(r.Context(), key, req.Requester, opts...); err != nil {
		writeError(s.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, "lock acquired", LockResponse{
		Key:       key.String(),
		Global:    key.IsGlobal(),
		Requester: req.Requester,
		Acquired:  true,
	})
}

func (s *Server) tryAcquire(w http.ResponseWriter, r *http.Request) {
	req, key, err := s.decodeLock(r)
	if err != nil {
		writeError(s.log, w, r, err)
		return
	}
	ok, err := s.handle.TryAcquire(r.Context(), key, req.Requester)
	if err != nil {
		writeError(s.log, w, r, err)
		return
	}
	msg := "lock acquired"
	if !ok {
		msg = "lock held"
	}
	writeJSON(w, http.StatusOK, msg, LockResponse{
		Key:       key.String(),
		Global:    key.IsGlobal(),
		Requester: req.Requester,
		Acquired:  ok,
	})
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	key, err := lock.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(s.log, w, r, err)
		return
	}
	if err := s.handle.Release(r.Context(), key, r.URL.Query().Get("requester")); err != nil {
		writeError(s.log, w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stale(w http.ResponseWriter, r *http.Request) {
	olderThan := reaper.DefaultOlderThan
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(s.log, w, r, badRequest("invalid older_than"))
			return
		}
		olderThan = d
	}
	recs, err := s.handle.Store().FindStale(r.Context(), olderThan)
	if err != nil {
		writeError(s.log, w, r, err)
		return
	}
	if recs == nil {
		recs = []lock.Record{}
	}
	writeJSON(w, http.StatusOK, "", recs)
}

// steal force-releases a lock whoever holds it. It is an admin escape hatch
// and does not acquire anything.
func (s *Server) steal(w http.ResponseWriter, r *http.Request) {
	key, err := lock.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(s.log, w, r, err)
		return
	}
	removed, err := s.handle.Store().Steal(r.Context(), key.String())
	if err != nil {
		writeError(s.log, w, r, err)
		return
	}
	if removed {
		s.log.Warn("lock force released over http", zap.String("key", key.String()))
		if bus := s.handle.Bus(); bus != nil {
			if ev, err := syncbus.NewEvent(syncbus.EventSteal, key.String(), ""); err == nil {
				_ = bus.Publish(r.Context(), ev)
			}
		}
	}
	writeJSON(w, http.StatusOK, "", map[string]bool{"removed": removed})
}

func (s *Server) selectScope(w http.ResponseWriter, r *http.Request) {
	op := scope.Operation(chi.URLParam(r, "operation"))
	key, err := s.selector.Select(op, r.URL.Query().Get("tenant"))
	if err != nil {
		writeError(s.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "", LockResponse{Key: key.String(), Global: key.IsGlobal()})
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	if s.reaper == nil {
		writeJSON(w, http.StatusNotFound, "reaper disabled", nil)
		return
	}
	rep, err := s.reaper.Scan(r.Context())
	if err != nil {
		writeError(s.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.reaper.Mode().String(), rep)
}
