// Package httpapi exposes the per-provider query and control surface
// over HTTP, mapping pipeline and store errors onto response codes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agridata/refdata/go/lockfile"
	"github.com/agridata/refdata/go/provider"
)

// RejectProxied refuses requests bearing forwarded-address headers.
// The service is meant to be reached directly, not through a reverse
// proxy which may rewrite client addresses.
func RejectProxied(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-For") != "" || r.Header.Get("Forwarded") != "" {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"error": "proxied requests are not accepted",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("err", err).Warn("encoding response body")
	}
}

// respMeta builds the _meta envelope attached to successful responses.
func respMeta(st provider.Status) map[string]interface{} {
	var meta = map[string]interface{}{"provider": st.Provider}
	if v, ok := st.Meta["dateexport"]; ok {
		meta["dataDate"] = v
	}
	if v, ok := st.Meta["builtAt"]; ok {
		meta["builtAt"] = v
	}
	if v, ok := st.Meta["version"]; ok {
		meta["version"] = v
	}
	if !st.LastFetch.IsZero() {
		meta["lastFetch"] = st.LastFetch.Format(time.RFC3339)
	}
	return meta
}

// writeResult attaches the _meta envelope to |payload| and writes it.
func writeResult(w http.ResponseWriter, st provider.Status, payload map[string]interface{}) {
	payload["_meta"] = respMeta(st)
	writeJSON(w, http.StatusOK, payload)
}

// writeNotReady answers a query which arrived before any store was
// published.
func writeNotReady(w http.ResponseWriter, st provider.Status) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"error":      provider.ErrNotReady.Error(),
		"rebuilding": st.Building,
		"fetching":   st.Fetching,
	})
}

// writeQueryError maps a store error onto its response.
func writeQueryError(w http.ResponseWriter, st provider.Status, err error) {
	if errors.Is(err, provider.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not found"})
		return
	}
	log.WithFields(log.Fields{"provider": st.Provider, "err": err}).
		Error("query failed")
	writeJSON(w, http.StatusInternalServerError,
		map[string]interface{}{"error": "internal error"})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": msg})
}

// controlHandler runs a fetch or rebuild operation and reports the
// pipeline result. Expected contention (an operation already in flight
// locally, or the cross-node lock held by a peer) is a negative result,
// not an HTTP error.
func controlHandler(c *provider.Coordinator, op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err = op(r.Context())
		var st = c.Status()

		if err == nil {
			var body = map[string]interface{}{"ok": true}
			writeResult(w, st, body)
			return
		}

		if !errors.Is(err, provider.ErrAlreadyFetching) &&
			!errors.Is(err, provider.ErrAlreadyBuilding) &&
			!errors.Is(err, lockfile.ErrHeld) {
			log.WithFields(log.Fields{"provider": st.Provider, "err": err}).
				Error("pipeline operation failed")
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":    false,
			"error": err.Error(),
		})
	}
}

// healthHandler always answers 200; the body reports provider state,
// dataset statistics, and data-directory file sizes.
func healthHandler(c *provider.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var st = c.Status()
		var body = map[string]interface{}{
			"ok":         false,
			"provider":   st.Provider,
			"rebuilding": st.Building,
			"fetching":   st.Fetching,
			"files":      c.DirSizes(),
		}
		if !st.LastFetch.IsZero() {
			body["lastFetch"] = st.LastFetch.Format(time.RFC3339)
		}

		var store = c.Store()
		if store == nil {
			body["error"] = provider.ErrNotReady.Error()
			writeJSON(w, http.StatusOK, body)
			return
		}

		body["db"] = store.Path()
		body["meta"] = store.Meta()
		if stats, err := store.Stats(); err != nil {
			body["error"] = err.Error()
		} else {
			body["ok"] = true
			body["stats"] = stats
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// pagination reads limit / offset query parameters.
func pagination(r *http.Request) (limit, offset int, err error) {
	limit, offset = 100, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
