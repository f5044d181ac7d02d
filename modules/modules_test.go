package modules

import (
	"context"
	"testing"
)

func TestLookupKnownModules(t *testing.T) {
	for _, name := range []string{"ping_module", "tcping", "echo_module", "faulty_module"} {
		if _, err := Lookup(name); err != nil {
			t.Fatalf("Lookup(%s): %v", name, err)
		}
	}
}

func TestLookupUnknownModule(t *testing.T) {
	if _, err := Lookup("does_not_exist"); err == nil {
		t.Fatal("expected error for unknown module")
	}
}

func TestSchemaValidateDefaultsAndAliases(t *testing.T) {
	spec, err := Lookup("ping_module")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	out, err := spec.Schema.Validate(map[string]interface{}{"target": "example.com"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out["host"] != "example.com" {
		t.Fatalf("expected target aliased to host, got %+v", out)
	}
	if IntField(out["count"]) != 3 {
		t.Fatalf("expected default count 3, got %v", out["count"])
	}
	if IntField(out["port"]) != 80 {
		t.Fatalf("expected default port 80, got %v", out["port"])
	}
}

func TestSchemaValidateMissingRequired(t *testing.T) {
	spec, err := Lookup("echo_module")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, err := spec.Schema.Validate(map[string]interface{}{}); err == nil {
		t.Fatal("expected error for missing required field")
	}
}

func TestEchoModuleHandle(t *testing.T) {
	spec, err := Lookup("echo_module")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	out, err := spec.Handle(context.Background(), map[string]interface{}{"message": "hi"}, nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out["message"] != "hi" {
		t.Fatalf("expected echoed message, got %+v", out)
	}
}

func TestFaultyModuleHandlerError(t *testing.T) {
	spec, err := Lookup("faulty_module")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	_, err = spec.Handle(context.Background(), map[string]interface{}{"message": "x", "crash": false}, nil)
	if err == nil {
		t.Fatal("expected handler error")
	}
}

func TestFaultyModulePanicsOnCrash(t *testing.T) {
	spec, err := Lookup("faulty_module")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when crash=true")
		}
	}()
	_, _ = spec.Handle(context.Background(), map[string]interface{}{"message": "x", "crash": true}, nil)
}
