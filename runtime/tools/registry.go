package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// NodeType identifies where a markup parameter is read from.
	NodeType string

	// Mapping binds one markup location to one tool parameter.
	Mapping struct {
		// Param is the parameter name the extracted value binds to.
		Param string

		// Node selects the extraction rule: attribute, element, text or
		// content.
		Node NodeType

		// Path names the attribute or nested element. Text and content
		// mappings use "." to address the full tag body.
		Path string

		// Required marks parameters whose absence discards the block.
		Required bool
	}

	// MarkupSchema describes how a markup tag maps onto a tool invocation.
	MarkupSchema struct {
		// Tag is the markup tag name (for example "create-file").
		Tag string

		// Mappings enumerate the parameter extraction rules for the tag.
		Mappings []Mapping
	}

	// Registration pairs a tool's callable with its declared schemas. Tools
	// declare an OpenAPI-form function schema and optionally a markup form;
	// the registry indexes both.
	Registration struct {
		// Name is the canonical function name.
		Name string

		// Description is a short summary surfaced to the model.
		Description string

		// InputSchema is an optional JSON Schema (draft 2020-12 source) for
		// the tool's argument object. When set, the execution engine
		// validates arguments before invoking the handler.
		InputSchema string

		// Markup is the optional markup form for the tool.
		Markup *MarkupSchema

		// Handler executes the tool.
		Handler Handler
	}

	// Registry indexes tool registrations by canonical function name and by
	// markup tag. Safe for concurrent lookup after construction; Register is
	// typically called during service wiring only.
	Registry struct {
		mu     sync.RWMutex
		byName map[string]*entry
		byTag  map[string]*entry
	}

	entry struct {
		reg    Registration
		schema *jsonschema.Schema
	}
)

const (
	// NodeAttribute reads a named attribute off the opening tag.
	NodeAttribute NodeType = "attribute"

	// NodeElement extracts the content of a named nested tag.
	NodeElement NodeType = "element"

	// NodeText extracts the full body of the outer tag when Path is ".".
	NodeText NodeType = "text"

	// NodeContent is an alias of NodeText kept for schema compatibility.
	NodeContent NodeType = "content"
)

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*entry),
		byTag:  make(map[string]*entry),
	}
}

// Register adds a tool registration. The function name must be unique; the
// markup tag, when present, must be unique as well. An InputSchema, when
// provided, is compiled eagerly so invalid schemas fail at wiring time rather
// than on first call.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return errors.New("tool name is required")
	}
	if reg.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", reg.Name)
	}
	if reg.Markup != nil && reg.Markup.Tag == "" {
		return fmt.Errorf("tool %q: markup tag is required", reg.Name)
	}

	e := &entry{reg: reg}
	if reg.InputSchema != "" {
		sch, err := compileSchema(reg.Name, reg.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %q: compile input schema: %w", reg.Name, err)
		}
		e.schema = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[reg.Name]; ok {
		return fmt.Errorf("tool %q already registered", reg.Name)
	}
	if reg.Markup != nil {
		if _, ok := r.byTag[reg.Markup.Tag]; ok {
			return fmt.Errorf("markup tag %q already registered", reg.Markup.Tag)
		}
	}
	r.byName[reg.Name] = e
	if reg.Markup != nil {
		r.byTag[reg.Markup.Tag] = e
	}
	return nil
}

// Lookup resolves a tool by canonical function name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return Registration{}, false
	}
	return e.reg, true
}

// LookupTag resolves a tool by markup tag.
func (r *Registry) LookupTag(tag string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byTag[tag]
	if !ok {
		return Registration{}, false
	}
	return e.reg, true
}

// Tags returns the known markup tags sorted for deterministic scanning.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Validate checks the arguments of a named tool against its input schema.
// Tools registered without a schema accept any arguments.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	if e.schema == nil {
		return nil
	}
	// jsonschema validates plain decoded JSON values; the argument map
	// already has that shape.
	v := make(map[string]any, len(args))
	for k, val := range args {
		v[k] = val
	}
	if err := e.schema.Validate(v); err != nil {
		return fmt.Errorf("arguments for %q: %w", name, err)
	}
	return nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	res := name + ".schema.json"
	if err := c.AddResource(res, doc); err != nil {
		return nil, err
	}
	return c.Compile(res)
}
