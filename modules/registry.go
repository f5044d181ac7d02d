package modules

import "fmt"

// registry is the fixed compile-time module table. A dynamic plugin ABI
// (Design Notes §9 option (b)) would let operators drop in new modules
// without a rebuild, but it brings an in-process code-unload problem Go
// has no safe answer to; the registry below plus agent's fsnotify-driven
// reload watcher gets the observable "drain, reload, resubscribe" contract
// without it.
var registry = map[string]*ModuleSpec{}

func register(spec *ModuleSpec) {
	if _, exists := registry[spec.Name]; exists {
		panic("modules: duplicate registration for " + spec.Name)
	}
	registry[spec.Name] = spec
}

func init() {
	register(pingModule())
	register(tcpingModule())
	register(echoModule())
	register(faultyModule())
}

// Lookup returns the built-in module registered under name.
func Lookup(name string) (*ModuleSpec, error) {
	spec, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("modules: unknown module %q", name)
	}
	return spec, nil
}

// Names returns every registered module name.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}
