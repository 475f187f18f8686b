package gateway

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Op names, shared by the HTTP handlers and the bus dispatch map.
const (
	opSave    = "save"
	opRemove  = "remove"
	opCheck   = "check"
	opGet     = "get"
	opUpdate  = "update"
	opRequest = "request"
	opDeny    = "deny"
	opAccount = "account"
)

const maxPayloadBytes = 1 << 20

//go:embed schemas/*.json
var schemaFS embed.FS

var opSchemas = compileSchemas()

func compileSchemas() map[string]*jsonschema.Schema {
	compiled := map[string]*jsonschema.Schema{}
	for _, op := range []string{opSave, opRemove, opUpdate, opRequest, opDeny} {
		raw, err := schemaFS.ReadFile("schemas/" + op + ".json")
		if err != nil {
			panic(fmt.Sprintf("missing embedded schema for %s: %v", op, err))
		}
		compiler := jsonschema.NewCompiler()
		id := "cadsync://schemas/" + op + ".json"
		if err := compiler.AddResource(id, bytes.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("add schema %s: %v", op, err))
		}
		schema, err := compiler.Compile(id)
		if err != nil {
			panic(fmt.Sprintf("compile schema %s: %v", op, err))
		}
		compiled[op] = schema
	}
	return compiled
}

// validatePayload checks raw against the op's embedded schema. Ops without a
// schema pass through.
func validatePayload(op string, raw []byte) error {
	schema, ok := opSchemas[op]
	if !ok {
		return nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("payload rejected: %w", err)
	}
	return nil
}

// decodeBody validates the request body against the op schema, then decodes
// it into out.
func decodeBody(r *http.Request, op string, out any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("empty body")
	}
	if err := validatePayload(op, raw); err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
