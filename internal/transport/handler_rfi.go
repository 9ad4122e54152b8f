package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/rfiflow/internal/openapi"
	"github.com/pitabwire/rfiflow/internal/workflow"
	"github.com/pitabwire/rfiflow/model"
)

const maxBodyBytes = 1 << 20

// bodyDecoder decodes JSON request bodies after checking them against the
// operation's request schema in the API description.
type bodyDecoder struct {
	index *openapi.Index
}

func (d bodyDecoder) decode(r *http.Request, operationID string, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return model.NewBadRequestError("could not read request body")
	}
	if len(raw) > maxBodyBytes {
		return model.NewBadRequestError("request body too large")
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil || generic == nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	if d.index != nil {
		if verrs := d.index.ValidateRequest(operationID, generic); len(verrs) > 0 {
			ee := model.NewBadRequestError(verrs[0].Message)
			for _, v := range verrs {
				ee.Details = append(ee.Details, model.FieldError{Field: v.Field, Code: "invalid", Message: v.Message})
			}
			return ee
		}
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// requestContext returns the caller's RequestContext or writes a 401.
func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

func handleCreateRFI(engine *workflow.Engine, dec bodyDecoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var body model.NewRFI
		if err := dec.decode(r, "createRFI", &body); err != nil {
			WriteError(w, r, err)
			return
		}

		rfi, err := engine.Create(r.Context(), body, rctx.ActorID())
		if err != nil {
			WriteError(w, r, err)
			return
		}
		w.Header().Set("Location", "/rfis/"+rfi.ID)
		WriteData(w, http.StatusCreated, rfi)
	}
}

func handleListRFIs(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestContext(w, r); !ok {
			return
		}

		filters := model.RFIFilters{
			ProjectID: r.URL.Query().Get("project_id"),
			Status:    model.Status(r.URL.Query().Get("status")),
			Limit:     queryInt(r, "limit", 50),
			Offset:    queryInt(r, "offset", 0),
		}
		if filters.Limit < 0 || filters.Offset < 0 {
			WriteError(w, r, model.NewBadRequestError("limit and offset must not be negative"))
			return
		}

		rfis, err := engine.List(r.Context(), filters)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteData(w, http.StatusOK, rfis)
	}
}

func handleGetRFI(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestContext(w, r); !ok {
			return
		}

		rfi, err := engine.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteData(w, http.StatusOK, rfi)
	}
}

func handleUpdateRFI(engine *workflow.Engine, dec bodyDecoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var body model.FieldUpdate
		if err := dec.decode(r, "updateRFI", &body); err != nil {
			WriteError(w, r, err)
			return
		}

		rfi, err := engine.UpdateFields(r.Context(), chi.URLParam(r, "id"), body, rctx.ActorID())
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteData(w, http.StatusOK, rfi)
	}
}

type transitionBody struct {
	TargetStatus model.Status          `json:"target_status"`
	Extra        model.TransitionExtra `json:"extra"`
}

func handleExecuteTransition(engine *workflow.Engine, dec bodyDecoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var body transitionBody
		if err := dec.decode(r, "executeTransition", &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if !engine.Catalog().HasStatus(body.TargetStatus) {
			WriteError(w, r, model.NewUnknownStateError("status", string(body.TargetStatus)))
			return
		}

		rfi, err := engine.Execute(r.Context(), workflow.Request{
			RFIID:   chi.URLParam(r, "id"),
			Target:  body.TargetStatus,
			ActorID: rctx.ActorID(),
			Extra:   body.Extra,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteData(w, http.StatusOK, rfi)
	}
}

func handleValidateTransition(engine *workflow.Engine, dec bodyDecoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestContext(w, r); !ok {
			return
		}

		var body transitionBody
		if err := dec.decode(r, "validateTransition", &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if !engine.Catalog().HasStatus(body.TargetStatus) {
			WriteError(w, r, model.NewUnknownStateError("status", string(body.TargetStatus)))
			return
		}

		result, err := engine.Validate(r.Context(), chi.URLParam(r, "id"), body.TargetStatus, body.Extra)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if result.Errors == nil {
			result.Errors = []string{}
		}
		WriteJSON(w, http.StatusOK, struct {
			Valid  bool     `json:"valid"`
			Errors []string `json:"errors"`
		}{result.Valid, result.Errors})
	}
}

type transitionView struct {
	From               model.Status `json:"from"`
	To                 model.Status `json:"to"`
	Label              string       `json:"label"`
	RequiresValidation bool         `json:"requires_validation"`
	ValidationFields   []string     `json:"validation_fields"`
}

func handleAvailableTransitions(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestContext(w, r); !ok {
			return
		}

		entries, err := engine.AvailableTransitions(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
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

func handleSetStage(engine *workflow.Engine, dec bodyDecoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var body struct {
			Stage model.Stage `json:"stage"`
		}
		if err := dec.decode(r, "setStage", &body); err != nil {
			WriteError(w, r, err)
			return
		}

		rfi, err := engine.SetStage(r.Context(), chi.URLParam(r, "id"), body.Stage, rctx.ActorID())
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteData(w, http.StatusOK, rfi)
	}
}

func handleAuditTrail(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestContext(w, r); !ok {
			return
		}

		entries, err := engine.AuditTrail(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteData(w, http.StatusOK, nonNil(entries))
	}
}

func handleActivityFeed(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestContext(w, r); !ok {
			return
		}

		entries, err := engine.ActivityFeed(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteData(w, http.StatusOK, nonNil(entries))
	}
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
