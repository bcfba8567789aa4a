// Package openapi holds the OpenAPI description of the complyflow HTTP API
// and indexes its operations by method and path template.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed api.yaml
var apiYAML []byte

// Operation is an indexed API operation.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Tag          string
	RequestBody  *openapi3.RequestBody
}

// ValidationError describes a request body that does not match its schema.
type ValidationError struct {
	Field   string
	Code    string // REQUIRED or INVALID
	Message string
}

// Document is the parsed API description.
type Document struct {
	doc    *openapi3.T
	raw    []byte
	byID   map[string]Operation
	byPath map[string]Operation // key: "METHOD path"
}

// Load parses and validates the embedded API description.
func Load() (*Document, error) {
	return parse(apiYAML)
}

func parse(data []byte) (*Document, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading api description: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating api description: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: encoding api description: %w", err)
	}

	d := &Document{
		doc:    doc,
		raw:    raw,
		byID:   make(map[string]Operation),
		byPath: make(map[string]Operation),
	}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				return nil, fmt.Errorf("openapi: %s %s has no operationId", method, path)
			}
			indexed := Operation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
			}
			if len(op.Tags) > 0 {
				indexed.Tag = op.Tags[0]
			}
			if op.RequestBody != nil {
				indexed.RequestBody = op.RequestBody.Value
			}
			if _, dup := d.byID[op.OperationID]; dup {
				return nil, fmt.Errorf("openapi: duplicate operationId %q", op.OperationID)
			}
			d.byID[op.OperationID] = indexed
			d.byPath[routeKey(method, path)] = indexed
		}
	}
	return d, nil
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// Operation returns the operation registered under id.
func (d *Document) Operation(id string) (Operation, bool) {
	op, ok := d.byID[id]
	return op, ok
}

// Lookup returns the operation documented for method and path template.
// A trailing slash on path is ignored.
func (d *Document) Lookup(method, path string) (Operation, bool) {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	op, ok := d.byPath[routeKey(method, path)]
	return op, ok
}

// OperationIDs returns every operation id, sorted.
func (d *Document) OperationIDs() []string {
	ids := make([]string, 0, len(d.byID))
	for id := range d.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest checks body against the JSON request schema of the
// operation. It returns nil when the body is valid or the operation takes
// no body. A null member counts as absent.
func (d *Document) ValidateRequest(operationID string, body map[string]any) []ValidationError {
	op, ok := d.byID[operationID]
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
				Code:    "REQUIRED",
				Message: fmt.Sprintf("%s is required", req),
			})
		}
	}
	for name, value := range body {
		prop, ok := schema.Properties[name]
		if !ok || prop.Value == nil || value == nil {
			continue
		}
		if err := prop.Value.VisitJSON(value); err != nil {
			msg := err.Error()
			var se *openapi3.SchemaError
			if errors.As(err, &se) && se.Reason != "" {
				msg = se.Reason
			}
			errs = append(errs, ValidationError{Field: name, Code: "INVALID", Message: msg})
		}
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

// Handler serves the API description as JSON.
func (d *Document) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(d.raw)
	}
}
