// Package modules defines the measurement module contract and the fixed
// compile-time registry of built-in modules (Design Notes §9 option (a)).
package modules

import (
	"context"
	"fmt"
)

// FieldType names the primitive types a module's input schema can declare.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldBool   FieldType = "bool"
)

// Field is one entry of a module's input schema.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Default  interface{}
	// Aliases lets a field accept a synonym, e.g. ping_module's "target"
	// for "host".
	Aliases []string
}

// Schema is a structured field spec with types and defaults, validated at
// the agent before dispatch to Handle.
type Schema []Field

// Validate applies defaults and checks required/typed fields, returning a
// normalized copy of input with defaults filled in and aliases resolved to
// their canonical name.
func (s Schema) Validate(input map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = v
	}

	for _, f := range s {
		if _, ok := out[f.Name]; !ok {
			for _, alias := range f.Aliases {
				if v, ok := out[alias]; ok {
					out[f.Name] = v
					delete(out, alias)
					break
				}
			}
		}

		v, ok := out[f.Name]
		if !ok {
			if f.Required {
				return nil, fmt.Errorf("modules: missing required field %q", f.Name)
			}
			if f.Default != nil {
				out[f.Name] = f.Default
			}
			continue
		}

		if err := checkType(f.Name, f.Type, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func checkType(name string, want FieldType, v interface{}) error {
	switch want {
	case FieldString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("modules: field %q must be a string", name)
		}
	case FieldInt:
		switch v.(type) {
		case int, int64, float64:
			// JSON numbers decode as float64; msgpack may preserve int64.
		default:
			return fmt.Errorf("modules: field %q must be an int", name)
		}
	case FieldBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("modules: field %q must be a bool", name)
		}
	}
	return nil
}

// IntField coerces a validated schema value to int, handling both the
// float64 JSON decodes and native int/int64 produce.
func IntField(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Handler runs a module's measurement logic. It returns the success
// payload, or an error. A returned error is treated as handler-error
// (state -> error); a panic recovered by the runtime is handler-crash
// (state -> failed) — Handler implementations are not expected to recover
// their own panics. The one exception is SimulatedCrash, below.
type Handler func(ctx context.Context, input map[string]interface{}, headers map[string]string) (map[string]interface{}, error)

// SimulatedCrash is the panic value a Handler uses to signal a
// deliberately induced crash that should still be reported as a handler
// error (state -> error) rather than an unexpected one (state -> failed).
// It lets a module exercise the runtime's crash-isolation path — the panic
// really does unwind the handler goroutine and get recovered — without
// that deliberate test scenario being indistinguishable from a genuine bug.
type SimulatedCrash struct {
	Message string
}

func (s SimulatedCrash) Error() string { return s.Message }

// ModuleSpec is a pluggable measurement unit: a name, an input schema, and
// setup/handle behaviors. Setup runs once when the agent loads the
// module; Handle runs once per inbound message. There is no separate run
// hook, and a spec carries no subject names: the agent derives a module's
// subjects from its name with the bus package's subject helpers.
type ModuleSpec struct {
	Name   string
	Schema Schema
	Setup  func(ctx context.Context) error
	Handle Handler
}
