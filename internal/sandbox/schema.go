package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/parser"
	"go/token"
	"sort"
	"sync"

	json "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const defaultSchemaCacheSize = 256

// schemaCache holds compiled parameter schemas keyed by the sha256 of their
// text. Once full, the oldest entry makes room for the newest.
type schemaCache struct {
	mu      sync.Mutex
	limit   int
	entries map[string]*jsonschema.Schema
	order   []string
}

func newSchemaCache(limit int) *schemaCache {
	if limit <= 0 {
		limit = defaultSchemaCacheSize
	}
	return &schemaCache{limit: limit, entries: make(map[string]*jsonschema.Schema, limit)}
}

func (c *schemaCache) compile(schema string) (*jsonschema.Schema, error) {
	sum := sha256.Sum256([]byte(schema))
	key := hex.EncodeToString(sum[:])

	c.mu.Lock()
	compiled, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return compiled, nil
	}

	compiled, err := jsonschema.CompileString("tool-"+key[:12]+".schema.json", schema)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		if len(c.order) >= c.limit {
			delete(c.entries, c.order[0])
			c.order = c.order[1:]
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = compiled
	return compiled, nil
}

func (c *schemaCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// schemaShape is the subset of JSON Schema the discovery rules inspect.
type schemaShape struct {
	Type       string                            `json:"type"`
	Properties map[string]map[string]interface{} `json:"properties"`
	Required   []string                          `json:"required"`
}

// ExtractSchema returns the Schema constant declared by code.
func ExtractSchema(code string) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "tool.go", code, 0)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSchema, err)
	}
	schema, ok := schemaLiteral(file)
	if !ok {
		return "", fmt.Errorf("%w: no Schema string constant declared", ErrSchema)
	}
	return schema, nil
}

// ValidateSchema checks that code declares a discoverable parameter schema:
// it must compile as JSON Schema, describe an object, and give every required
// field a declared type. It returns the schema text.
func (s *Sandbox) ValidateSchema(code string) (string, error) {
	schema, err := ExtractSchema(code)
	if err != nil {
		return "", err
	}
	if err := s.CheckSchema(schema); err != nil {
		return "", err
	}
	return schema, nil
}

// CheckSchema applies the discovery rules to a schema document.
func (s *Sandbox) CheckSchema(schema string) error {
	var shape schemaShape
	if err := json.Unmarshal([]byte(schema), &shape); err != nil {
		return fmt.Errorf("%w: schema is not a JSON object: %v", ErrSchema, err)
	}
	if shape.Type != "object" {
		return fmt.Errorf("%w: schema type must be \"object\", got %q", ErrSchema, shape.Type)
	}
	if len(shape.Required) == 0 && len(shape.Properties) == 0 {
		return fmt.Errorf("%w: schema declares no parameters", ErrSchema)
	}

	var missing []string
	for _, field := range shape.Required {
		prop, ok := shape.Properties[field]
		if !ok {
			missing = append(missing, field+" (undeclared)")
			continue
		}
		if t, ok := prop["type"]; !ok || t == "" {
			missing = append(missing, field+" (no type)")
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: required fields without a typed property: %v", ErrSchema, missing)
	}

	if _, err := s.schemas.compile(schema); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

// ValidateParams checks params against the tool's schema. params must already
// be in decoded-JSON form.
func (s *Sandbox) ValidateParams(code string, params map[string]interface{}) error {
	schema, err := ExtractSchema(code)
	if err != nil {
		return err
	}
	compiled, err := s.schemas.compile(schema)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	// The validator expects interface{}-typed JSON values.
	var doc interface{} = params
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
