package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in #Lab and
// #Machine definitions.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("lab", builtinLabSchema); err != nil {
		panic(fmt.Sprintf("built-in lab schema: %v", err))
	}
	return sr
}

// RegisterSchema compiles a CUE source holding one or more definitions.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// Definition returns the definition (e.g. "#Lab") from the named schema.
func (sr *SchemaRegistry) Definition(schema, def string) (cue.Value, error) {
	sr.mu.RLock()
	val, ok := sr.schemas[schema]
	sr.mu.RUnlock()
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schema)
	}

	d := val.LookupPath(cue.ParsePath(def))
	if !d.Exists() {
		return cue.Value{}, fmt.Errorf("schema %s has no definition %s", schema, def)
	}
	return d, nil
}

// Check unifies v with a definition and requires a concrete result.
func (sr *SchemaRegistry) Check(schema, def string, v cue.Value) (cue.Value, error) {
	d, err := sr.Definition(schema, def)
	if err != nil {
		return cue.Value{}, err
	}
	unified := d.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinLabSchema = `
// Machine is one compute node of a lab.
#Machine: {
	// name doubles as the inventory host name
	name: string & =~"^[A-Za-z0-9][A-Za-z0-9_-]*$"

	os?:   string
	role?: string

	cpu?:     int & >=1
	ram?:     int & >=1
	storage?: int & >=1

	// software lists module identifiers in install order
	software?: [...string]

	// custom_bundles lists bundle ids or names in run order
	custom_bundles?: [...string]
}

// Lab is a multi-machine environment bound to one provisioning backend.
#Lab: {
	name:         string & !=""
	description?: string
	provider:     "vps" | "local"

	// provider_config is passed through to the backend untouched
	provider_config?: {[string]: string}

	machines: *[] | [...#Machine]
}
`
