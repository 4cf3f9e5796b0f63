package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentbazaar/backend/internal/provider"
)

// Hard bound on one generation including retries and polling.
const (
	SyncGenerationDeadline  = 2 * time.Minute
	AsyncGenerationDeadline = 6 * time.Minute
)

type Validator struct {
	inputSchemas  map[string]*jsonschema.Schema
	outputSchemas map[string]*jsonschema.Schema
}

// NewValidator loads all *.json schema files from schemaDir and compiles input_schema and output_schema per provider.
// schemaDir is the path to the schemas directory (e.g. "schemas" when running from the repo root).
func NewValidator(ctx context.Context, schemaDir string) (*Validator, error) {
	_ = ctx
	entries, err := os.ReadDir(schemaDir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %q: %w", schemaDir, err)
	}
	inputSchemas := make(map[string]*jsonschema.Schema)
	outputSchemas := make(map[string]*jsonschema.Schema)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		key = strings.TrimSuffix(key, ".v1")
		path := filepath.Join(schemaDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		var file struct {
			Properties struct {
				InputSchema  json.RawMessage `json:"input_schema"`
				OutputSchema json.RawMessage `json:"output_schema"`
			} `json:"properties"`
		}
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %q: %w", path, err)
		}
		if len(file.Properties.InputSchema) == 0 || len(file.Properties.OutputSchema) == 0 {
			return nil, fmt.Errorf("%q: missing input_schema or output_schema", path)
		}
		wrapper := file.Properties
		inputID := "https://agentbazaar.dev/schemas/" + key + ".input"
		outputID := "https://agentbazaar.dev/schemas/" + key + ".output"
		inputSchemas[key], err = jsonschema.CompileString(inputID, string(wrapper.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("compile input schema %q: %w", key, err)
		}
		outputSchemas[key], err = jsonschema.CompileString(outputID, string(wrapper.OutputSchema))
		if err != nil {
			return nil, fmt.Errorf("compile output schema %q: %w", key, err)
		}
	}

	return &Validator{
		inputSchemas:  inputSchemas,
		outputSchemas: outputSchemas,
	}, nil
}

// GetDeadline returns the overall budget for one generation with providerKey.
// Synchronous providers get 2 minutes; job-based providers cover the 300s poll timeout plus submit retries.
func (v *Validator) GetDeadline(providerKey string) (time.Duration, error) {
	switch providerKey {
	case provider.KeyOpenAI, provider.KeyAnthropic:
		return SyncGenerationDeadline, nil
	case provider.KeyReplicate, provider.KeyFal, provider.KeyRunway:
		return AsyncGenerationDeadline, nil
	default:
		return 0, fmt.Errorf("unknown provider %q", providerKey)
	}
}

// ValidateInput performs hard reject: returns an error if the request does not match the provider's input_schema.
func (v *Validator) ValidateInput(ctx context.Context, providerKey string, req provider.Request) error {
	schema, ok := v.inputSchemas[providerKey]
	if !ok {
		return fmt.Errorf("unknown provider %q", providerKey)
	}
	return validateDoc(schema, req)
}

// ValidateOutput performs soft flag: returns an error if the result does not match the provider's output_schema.
// Callers log it rather than failing the generation.
func (v *Validator) ValidateOutput(ctx context.Context, providerKey string, res *provider.Result) error {
	schema, ok := v.outputSchemas[providerKey]
	if !ok {
		return fmt.Errorf("unknown provider %q", providerKey)
	}
	return validateDoc(schema, res)
}

func validateDoc(schema *jsonschema.Schema, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ErrValidation can be used with errors.Is to detect validation failures (hard reject or soft flag).
var ErrValidation = errors.New("validation failed")
