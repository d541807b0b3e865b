package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agridata/refdata/go/eusub"
	"github.com/agridata/refdata/go/provider"
)

// EURoutes mounts the EU active-substance provider's query and control
// surface.
func EURoutes(c *provider.Coordinator) chi.Router {
	var r = chi.NewRouter()

	r.Get("/health", healthHandler(c))
	r.Post("/fetch", controlHandler(c, c.Fetch))
	r.Post("/rebuild", controlHandler(c, func(ctx context.Context) error {
		return c.Rebuild(ctx, provider.BuildOptions{})
	}))

	r.Get("/substance/{id}", euSubstanceHandler(c))
	r.Get("/cas/{cas}", euCasHandler(c))
	r.Get("/search", euSearchHandler(c))

	return r
}

// euStore resolves the live substance store, or answers 503.
func euStore(c *provider.Coordinator, w http.ResponseWriter) (*eusub.Store, bool) {
	var st = c.Store()
	if st == nil {
		writeNotReady(w, c.Status())
		return nil, false
	}
	return st.(*eusub.Store), true
}

func euSubstanceHandler(c *provider.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var id, err = strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeBadRequest(w, "id must be a base-10 integer")
			return
		}

		var store, ok = euStore(c, w)
		if !ok {
			return
		}

		sub, err := store.GetSubstance(id)
		if err != nil {
			writeQueryError(w, c.Status(), err)
			return
		}
		writeResult(w, c.Status(), map[string]interface{}{"substance": sub})
	}
}

func euCasHandler(c *provider.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var store, ok = euStore(c, w)
		if !ok {
			return
		}

		var sub, err = store.GetByCas(chi.URLParam(r, "cas"))
		if err != nil {
			writeQueryError(w, c.Status(), err)
			return
		}
		writeResult(w, c.Status(), map[string]interface{}{"substance": sub})
	}
}

func euSearchHandler(c *provider.Coordinator) http.HandlerFunc {
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

		// Category filters widen to the OT (Other) category unless the
		// caller opts out with includeOther=false.
		var includeOther = true
		if v := r.URL.Query().Get("includeOther"); v != "" {
			includeOther = v == "true" || v == "1"
		}

		var store, ok = euStore(c, w)
		if !ok {
			return
		}

		page, err := store.SearchSubstances(q, eusub.SearchParams{
			Status:       r.URL.Query().Get("status"),
			Category:     r.URL.Query().Get("category"),
			IncludeOther: includeOther,
			Limit:        limit,
			Offset:       offset,
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
