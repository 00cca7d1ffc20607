// Package registry implements the Tool Registry & Dispatch (C7): the
// built-in tool descriptor table, JSON schema validation per call, and
// the external-executable dispatch for devit.tool_call and plugin.invoke.
// The schema-compile-then-validate shape is grounded in
// goa-ai/registry/service.go's validatePayloadJSONAgainstSchema; the
// child process I/O technique (pipes + bufio.Scanner) is adapted from the
// teacher's internal/downstream/instance.go, changed from a persistent
// pooled instance to one exec per call.
package registry

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SideEffect classifies what a tool does to the workspace (spec.md §3).
type SideEffect string

const (
	SideEffectNone  SideEffect = "none"
	SideEffectRead  SideEffect = "read"
	SideEffectWrite SideEffect = "write"
	SideEffectExec  SideEffect = "exec"
)

// Descriptor is one tool's registry entry.
type Descriptor struct {
	Name            string
	Schema          *jsonschema.Schema
	ApprovalDefault string
	SideEffects     SideEffect
	// Proxyable is false for server.* tools, which cannot be reached via
	// devit.tool_call (spec.md §4.2: "server.* tools are terminal").
	Proxyable bool
}

// BuiltinNames lists the ten built-in tools of spec.md §3, in the order
// they're described there.
var BuiltinNames = []string{
	"server.policy",
	"server.health",
	"server.stats",
	"server.stats.reset",
	"server.approve",
	"server.context_head",
	"devit.tool_list",
	"devit.tool_call",
	"plugin.invoke",
	"echo",
}

// schemas holds the raw JSON Schema source for each built-in tool's
// arguments. Unknown fields are tolerated (additionalProperties left
// unset defaults to true), per spec.md §9's "unknown fields are tolerated
// on input".
var schemas = map[string]string{
	"server.policy":       `{"type":"object"}`,
	"server.health":       `{"type":"object"}`,
	"server.stats":        `{"type":"object"}`,
	"server.stats.reset":  `{"type":"object"}`,
	"server.approve": `{
		"type":"object",
		"required":["name","scope"],
		"properties":{
			"name":{"type":"string"},
			"scope":{"type":"string","enum":["once","session","always"]},
			"plugin_id":{"type":"string"},
			"reason":{"type":"string"}
		}
	}`,
	"server.context_head": `{"type":"object"}`,
	"devit.tool_list":     `{"type":"object"}`,
	"devit.tool_call": `{
		"type":"object",
		"required":["tool","args"],
		"properties":{
			"tool":{"type":"string"},
			"args":{"type":"object"}
		}
	}`,
	"plugin.invoke": `{
		"type":"object",
		"required":["id","args"],
		"properties":{
			"id":{"type":"string"},
			"manifest":{"type":"string"},
			"args":{"type":"object"}
		}
	}`,
	"echo": `{
		"type":"object",
		"required":["msg"],
		"properties":{"msg":{"type":"string"}}
	}`,
}

// Registry holds compiled descriptors for every built-in tool.
type Registry struct {
	descriptors map[string]*Descriptor
}

// New compiles every built-in tool's schema and returns a ready Registry.
func New() (*Registry, error) {
	r := &Registry{descriptors: make(map[string]*Descriptor, len(BuiltinNames))}
	for _, name := range BuiltinNames {
		schema, err := compile(name, schemas[name])
		if err != nil {
			return nil, fmt.Errorf("registry: compile schema for %s: %w", name, err)
		}
		r.descriptors[name] = &Descriptor{
			Name:        name,
			Schema:      schema,
			SideEffects: sideEffectFor(name),
			Proxyable:   isProxyable(name),
		}
	}
	return r, nil
}

func sideEffectFor(name string) SideEffect {
	switch name {
	case "devit.tool_call", "plugin.invoke":
		return SideEffectExec
	case "server.approve", "server.stats.reset":
		return SideEffectWrite
	case "echo":
		return SideEffectNone
	default:
		return SideEffectRead
	}
}

func isProxyable(name string) bool {
	return len(name) < 7 || name[:7] != "server."
}

func compile(name, schemaJSON string) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resourceName := "devit://" + name + ".json"
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	return c.Compile(resourceName)
}

// Lookup returns the descriptor for name, or nil if unknown.
func (r *Registry) Lookup(name string) *Descriptor {
	return r.descriptors[name]
}

// SchemaFieldError is the {path, reason} shape of spec.md §4.2's
// schema_error.
type SchemaFieldError struct {
	Path   string
	Reason string
}

// Validate checks args against d's compiled schema, returning the first
// schema_error field on failure.
func (d *Descriptor) Validate(args any) *SchemaFieldError {
	if d.Schema == nil {
		return nil
	}
	err := d.Schema.Validate(args)
	if err == nil {
		return nil
	}
	return fieldErrorFrom(err)
}

// fieldErrorFrom extracts a {path, reason} pair from a jsonschema
// validation error, descending to the most specific (deepest) cause.
func fieldErrorFrom(err error) *SchemaFieldError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &SchemaFieldError{Path: "", Reason: err.Error()}
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	path := "/"
	for _, seg := range verr.InstanceLocation {
		path += seg + "/"
	}
	return &SchemaFieldError{Path: path, Reason: verr.Error()}
}
