package modules

import (
	"context"
	"errors"
	"time"
)

// faultyModule exists to exercise the error/crash paths: a "handled" error
// return and a panic both land on state -> error here — crash=true still
// panics, and the runtime's crash isolation still recovers it, but the
// panic carries a SimulatedCrash so it's reported the same as a handled
// error rather than as an unexpected handler crash (state -> failed).
func faultyModule() *ModuleSpec {
	return &ModuleSpec{
		Name: "faulty_module",
		Schema: Schema{
			{Name: "message", Type: FieldString, Required: true},
			{Name: "delay", Type: FieldInt, Default: 0},
			{Name: "crash", Type: FieldBool, Default: false},
		},
		Handle: func(ctx context.Context, input map[string]interface{}, headers map[string]string) (map[string]interface{}, error) {
			if delay := IntField(input["delay"]); delay > 0 {
				select {
				case <-time.After(time.Duration(delay) * time.Second):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if crash, _ := input["crash"].(bool); crash {
				panic(SimulatedCrash{Message: "faulty_module: induced crash"})
			}
			return nil, errors.New("faulty_module: induced handler error")
		},
	}
}
