// Package openapi loads the embedded rfiflow API description and indexes its
// operations by operationId for request-body checks and for serving the
// document to clients.
package openapi

import (
	"context"
	_ "embed"
	"fmt"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed rfiflow.yaml
var embedded []byte

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
}

// ValidationError describes a request body that does not match its schema.
type ValidationError struct {
	Field   string
	Message string
}

// Index is an in-memory index of OpenAPI operations keyed by operationId.
type Index struct {
	doc        *openapi3.T
	operations map[string]IndexedOperation
}

// Load parses and validates the embedded API description.
func Load() (*Index, error) {
	return LoadFromData(embedded)
}

// LoadFromData parses and validates an OpenAPI document and indexes every
// operation that carries an operationId.
func LoadFromData(data []byte) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	idx := &Index{doc: doc, operations: make(map[string]IndexedOperation)}
	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}
			if _, dup := idx.operations[op.OperationID]; dup {
				return nil, fmt.Errorf("openapi: duplicate operationId %q", op.OperationID)
			}

			// Merge path-level and operation-level parameters.
			params := make([]*openapi3.Parameter, 0)
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			idx.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
				Responses:    op.Responses,
			}
		}
	}
	return idx, nil
}

// Doc returns the parsed document.
func (idx *Index) Doc() *openapi3.T {
	return idx.doc
}

// GetOperation returns the indexed operation for the given operation ID.
func (idx *Index) GetOperation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// AllOperationIDs returns every indexed operation ID, sorted.
func (idx *Index) AllOperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest checks a decoded JSON request body against the operation's
// request schema: required properties must be present and top-level
// properties must have the declared JSON type. Returns nil if valid.
func (idx *Index) ValidateRequest(operationID string, body map[string]any) []ValidationError {
	op, ok := idx.operations[operationID]
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("operation %s not found", operationID)}}
	}
	if op.RequestBody == nil {
		return nil
	}

	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	schema := ct.Schema.Value
	var errs []ValidationError

	for _, req := range schema.Required {
		if v, exists := body[req]; !exists || v == nil {
			errs = append(errs, ValidationError{
				Field:   req,
				Message: fmt.Sprintf("%s is required", req),
			})
		}
	}

	names := make([]string, 0, len(body))
	for name := range body {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prop, ok := schema.Properties[name]
		if !ok || prop.Value == nil || body[name] == nil {
			continue
		}
		if want, ok := typeMismatch(prop.Value, body[name]); ok {
			errs = append(errs, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("%s must be of type %s", name, want),
			})
		}
	}

	return errs
}

// typeMismatch reports the declared type when v does not match it.
func typeMismatch(schema *openapi3.Schema, v any) (string, bool) {
	types := schema.Type
	if types == nil {
		return "", false
	}
	switch {
	case types.Is(openapi3.TypeString):
		_, ok := v.(string)
		return openapi3.TypeString, !ok
	case types.Is(openapi3.TypeBoolean):
		_, ok := v.(bool)
		return openapi3.TypeBoolean, !ok
	case types.Is(openapi3.TypeNumber):
		_, ok := v.(float64)
		return openapi3.TypeNumber, !ok
	case types.Is(openapi3.TypeInteger):
		f, ok := v.(float64)
		return openapi3.TypeInteger, !ok || f != float64(int64(f))
	case types.Is(openapi3.TypeObject):
		_, ok := v.(map[string]any)
		return openapi3.TypeObject, !ok
	case types.Is(openapi3.TypeArray):
		_, ok := v.([]any)
		return openapi3.TypeArray, !ok
	}
	return "", false
}
