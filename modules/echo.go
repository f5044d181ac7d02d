package modules

import "context"

// echoModule (aka working_module in the wild) just reflects its message
// back; it exists to exercise the happy path end to end without touching
// the network.
func echoModule() *ModuleSpec {
	return &ModuleSpec{
		Name: "echo_module",
		Schema: Schema{
			{Name: "message", Type: FieldString, Required: true},
		},
		Handle: func(ctx context.Context, input map[string]interface{}, headers map[string]string) (map[string]interface{}, error) {
			return map[string]interface{}{
				"message": input["message"],
			}, nil
		},
	}
}
