// Package schema validates events against registered payload definitions
// before they are appended.
package schema

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
	"github.com/tidwall/gjson"
)

// Kind is the JSON kind a payload field must have.
type Kind string

const (
	String Kind = "string"
	Number Kind = "number"
	Bool   Kind = "bool"
	Array  Kind = "array"
	Object Kind = "object"
	Any    Kind = "any"
)

// Definition describes one version of an event type's payload. Fields maps a
// gjson path to the kind the value at that path must have.
type Definition struct {
	EventType string
	Version   string
	Fields    map[string]Kind
	// Optional fields are checked for kind only when present.
	Optional map[string]Kind
}

type key struct {
	eventType string
	version   string
}

// Registry is an in-process schema registry implementing store.SchemaValidator.
type Registry struct {
	mu          sync.RWMutex
	definitions map[key]Definition
}

func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{definitions: make(map[key]Definition)}
	for _, d := range defs {
		r.Register(d)
	}
	return r
}

// Register adds or replaces a definition.
func (r *Registry) Register(d Definition) {
	if d.Version == "" {
		d.Version = store.DefaultSchemaVersion
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[key{d.EventType, d.Version}] = d
}

// Validate checks the event payload against the definition registered for its
// type and metadata.schemaVersion.
func (r *Registry) Validate(_ context.Context, event store.DomainEvent) (store.ValidationResult, error) {
	version := event.Metadata.SchemaVersion
	if version == "" {
		version = store.DefaultSchemaVersion
	}

	r.mu.RLock()
	def, ok := r.definitions[key{event.EventType, version}]
	r.mu.RUnlock()
	if !ok {
		return store.ValidationResult{
			Errors: []string{fmt.Sprintf("no schema registered for %s version %s", event.EventType, version)},
		}, nil
	}

	if !gjson.ValidBytes(event.Payload) {
		return store.ValidationResult{Errors: []string{"payload is not valid json"}}, nil
	}

	var errs []string
	for path, kind := range def.Fields {
		res := gjson.GetBytes(event.Payload, path)
		if !res.Exists() {
			errs = append(errs, fmt.Sprintf("%s is required", path))
			continue
		}
		if !matches(res, kind) {
			errs = append(errs, fmt.Sprintf("%s must be %s", path, kind))
		}
	}
	for path, kind := range def.Optional {
		res := gjson.GetBytes(event.Payload, path)
		if res.Exists() && res.Type != gjson.Null && !matches(res, kind) {
			errs = append(errs, fmt.Sprintf("%s must be %s", path, kind))
		}
	}

	return store.ValidationResult{Valid: len(errs) == 0, Errors: errs}, nil
}

func matches(res gjson.Result, kind Kind) bool {
	switch kind {
	case String:
		return res.Type == gjson.String
	case Number:
		return res.Type == gjson.Number
	case Bool:
		return res.Type == gjson.True || res.Type == gjson.False
	case Array:
		return res.IsArray()
	case Object:
		return res.IsObject()
	default:
		return true
	}
}

// ValidatorFunc adapts a function to store.SchemaValidator.
type ValidatorFunc func(ctx context.Context, event store.DomainEvent) (store.ValidationResult, error)

func (f ValidatorFunc) Validate(ctx context.Context, event store.DomainEvent) (store.ValidationResult, error) {
	return f(ctx, event)
}
