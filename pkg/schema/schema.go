// Package schema compiles and applies the JSON Schemas (Draft 2020-12) that
// governance documents attach to subject kinds.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
)

var (
	// ErrInvalidSchema means the schema itself does not compile.
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrNonConforming means a document fails validation.
	ErrNonConforming = errors.New("document does not conform to schema")
)

// Validator checks a JSON document against a JSON Schema.
type Validator interface {
	Validate(schema, doc json.RawMessage) error
}

// Compiler compiles schemas once per distinct canonical content.
type Compiler struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func NewCompiler() *Compiler {
	return &Compiler{cache: make(map[string]*jsonschema.Schema)}
}

// Compile returns the compiled form of raw.
func (c *Compiler) Compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key, err := canonicalize.HashJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	c.mu.RLock()
	s, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err = compile("https://covenant.schemas.local/"+key+".schema.json", raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.cache[key]; ok {
		return existing, nil
	}
	c.cache[key] = s
	return s, nil
}

// Validate compiles schema (cached) and validates doc against it.
func (c *Compiler) Validate(schema, doc json.RawMessage) error {
	s, err := c.Compile(schema)
	if err != nil {
		return err
	}
	return ValidateDocument(s, doc)
}

// ValidateDocument validates a raw JSON document against a compiled schema.
func ValidateDocument(s *jsonschema.Schema, doc json.RawMessage) error {
	v, err := decode(doc)
	if err != nil {
		return fmt.Errorf("%w: document is not JSON: %v", ErrNonConforming, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrNonConforming, err)
	}
	return nil
}

// decode unmarshals with json.Number so integer keywords see exact values.
func decode(doc []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after top-level value")
	}
	return v, nil
}

// MustCompile compiles a schema known at build time.
func MustCompile(url string, raw []byte) *jsonschema.Schema {
	s, err := compile(url, raw)
	if err != nil {
		panic(err)
	}
	return s
}

func compile(url string, raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrInvalidSchema, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %v", ErrInvalidSchema, err)
	}
	return s, nil
}
