package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/rfiflow/internal/workflow"
	"github.com/pitabwire/rfiflow/model"
)

func handleClearAllAudit(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		n, err := engine.ClearAllAudit(r.Context(), rctx.ActorID())
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteData(w, http.StatusOK, map[string]int{"cleared": n})
	}
}

func handleClearAudit(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		n, err := engine.ClearAudit(r.Context(), chi.URLParam(r, "id"), rctx.ActorID())
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteData(w, http.StatusOK, map[string]int{"cleared": n})
	}
}

func handleDeleteRFI(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		if err := engine.Delete(r.Context(), chi.URLParam(r, "id"), rctx.ActorID()); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRunSweep(engine *workflow.Engine, sweeper *workflow.Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestContext(w, r); !ok {
			return
		}

		moved, err := sweeper.Sweep(r.Context(), engine.Now())
		if err != nil {
			WriteError(w, r, model.NewPersistenceError(err))
			return
		}
		WriteData(w, http.StatusOK, map[string]int{"transitioned": moved})
	}
}
