package transport

import (
	"net/http"

	"github.com/pitabwire/rfiflow/internal/workflow"
)

func handleListStatuses(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteData(w, http.StatusOK, engine.Catalog().Statuses())
	}
}

func handleListStages(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteData(w, http.StatusOK, engine.Catalog().Stages())
	}
}

func handleListTransitionTable(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := engine.Table().Entries()
		views := make([]transitionView, 0, len(entries))
		for _, e := range entries {
			views = append(views, transitionView{
				From:               e.From,
				To:                 e.To,
				Label:              e.Label,
				RequiresValidation: e.RequiresValidation,
				ValidationFields:   e.FieldNames(),
			})
		}
		WriteData(w, http.StatusOK, views)
	}
}
