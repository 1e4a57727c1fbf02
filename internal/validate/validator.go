// Package validate checks request bodies against the JSON schemas
// embedded under schemas/ before they are decoded into handler types.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names, one per embedded file.
const (
	Login         = "login"
	Refresh       = "refresh"
	AccountCreate = "account_create"
	ChargeCreate  = "charge_create"
	ChargeVerify  = "charge_verify"
	Assignment    = "assignment"
	Reprice       = "reprice"
	APIKeyCreate  = "api_key_create"

	WalletAdjustment = "wallet_adjustment"
)

const maxBodyBytes = 1 << 20

// ErrValidation can be used with errors.Is to detect a rejected body.
var ErrValidation = errors.New("validation failed")

//go:embed schemas/*.json
var schemaFS embed.FS

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema. Formats such as email and uuid are
// asserted, not just annotated.
func New() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	schemas := make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		id := "https://streamvault.dev/schemas/" + e.Name()
		c := jsonschema.NewCompiler()
		c.AssertFormat = true
		if err := c.AddResource(id, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("load schema %q: %w", name, err)
		}
		schemas[name], err = c.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// Validate checks raw JSON against the named schema.
func (v *Validator) Validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Decode reads the request body, validates it against the named schema
// and unmarshals it into dst. An empty body is validated as {}.
func (v *Validator) Decode(r *http.Request, name string, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrValidation, err)
	}
	if len(body) > maxBodyBytes {
		return fmt.Errorf("%w: body too large", ErrValidation)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if err := v.Validate(name, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
