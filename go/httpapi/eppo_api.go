package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agridata/refdata/go/eppo"
	"github.com/agridata/refdata/go/provider"
)

// EPPORoutes mounts the EPPO provider's query and control surface.
func EPPORoutes(c *provider.Coordinator) chi.Router {
	var r = chi.NewRouter()

	r.Get("/health", healthHandler(c))
	r.Post("/fetch", controlHandler(c, c.Fetch))
	r.Post("/rebuild", eppoRebuildHandler(c))

	r.Get("/code/{eppocode}", eppoCodeHandler(c))
	r.Get("/name/{eppocode}", eppoNameHandler(c))
	r.Get("/search", eppoSearchHandler(c))

	return r
}

// eppoStore resolves the live EPPO store, or answers 503.
func eppoStore(c *provider.Coordinator, w http.ResponseWriter) (*eppo.Store, bool) {
	var st = c.Store()
	if st == nil {
		writeNotReady(w, c.Status())
		return nil, false
	}
	return st.(*eppo.Store), true
}

func eppoCodeHandler(c *provider.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var store, ok = eppoStore(c, w)
		if !ok {
			return
		}

		var code, err = store.GetCode(chi.URLParam(r, "eppocode"), r.URL.Query().Get("lang"))
		if err != nil {
			writeQueryError(w, c.Status(), err)
			return
		}
		writeResult(w, c.Status(), map[string]interface{}{
			"code":  code,
			"names": code.Names,
		})
	}
}

func eppoNameHandler(c *provider.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var lang = r.URL.Query().Get("lang")
		if lang == "" {
			writeBadRequest(w, "query parameter lang is required")
			return
		}

		var store, ok = eppoStore(c, w)
		if !ok {
			return
		}

		var name, err = store.GetName(
			chi.URLParam(r, "eppocode"), lang, r.URL.Query().Get("country"))
		if err != nil {
			writeQueryError(w, c.Status(), err)
			return
		}
		writeResult(w, c.Status(), map[string]interface{}{"name": name})
	}
}

func eppoSearchHandler(c *provider.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q = r.URL.Query().Get("q")
		if q == "" {
			writeBadRequest(w, "query parameter q is required")
			return
		}
		var limit, offset, err = pagination(r)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}

		var store, ok = eppoStore(c, w)
		if !ok {
			return
		}

		page, err := store.Search(q, eppo.SearchParams{
			Lang:    r.URL.Query().Get("lang"),
			Country: r.URL.Query().Get("country"),
			Limit:   limit,
			Offset:  offset,
		})
		if err != nil {
			writeQueryError(w, c.Status(), err)
			return
		}
		writeResult(w, c.Status(), map[string]interface{}{
			"total":   page.Total,
			"results": page.Results,
		})
	}
}

// eppoRebuildHandler accepts an optional {"types": "A,B"} body which
// replaces the allow-list of admitted code types for this and
// subsequent builds. An absent or empty body retains the current set.
func eppoRebuildHandler(c *provider.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var opts provider.BuildOptions

		var body struct {
			Types string `json:"types"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Types != "" {
			for _, t := range strings.Split(body.Types, ",") {
				if t = strings.TrimSpace(t); t != "" {
					opts.Types = append(opts.Types, t)
				}
			}
		}
		controlHandler(c, func(ctx context.Context) error {
			return c.Rebuild(ctx, opts)
		})(w, r)
	}
}
