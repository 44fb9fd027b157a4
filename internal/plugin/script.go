package plugin

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"
	"github.com/vmihailenco/msgpack/v5"

	"lumerelay/internal/rpc"
)

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases name and collapses anything outside [a-z0-9] into dashes
func Slugify(name string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// ScriptPlugin builds a plugin from JavaScript source run in rt
func ScriptPlugin(name, script string, rt *Runtime) Plugin {
	return Plugin{
		Name: name,
		Load: func(api *API) error {
			if err := rt.Run(name+".js", script); err != nil {
				return fmt.Errorf("script error: %w", err)
			}

			entry, ok := rt.Function("plugin")
			if !ok {
				return fmt.Errorf("plugin function not defined")
			}

			var registerErr error
			_, err := rt.Call(context.Background(), entry, scriptAPI(rt, api, &registerErr))
			if registerErr != nil {
				return registerErr
			}
			return err
		},
	}
}

// scriptAPI exposes api to the script. The first registration failure is
// kept in registerErr so it survives the trip through the VM.
func scriptAPI(rt *Runtime, api *API, registerErr *error) *goja.Object {
	obj := rt.NewObject()

	obj.Set("name", api.Name())
	obj.Set("identity", api.Identity)

	obj.Set("registerMethod", func(call goja.FunctionCall) goja.Value {
		method := call.Argument(0).String()
		spec := call.Argument(1).ToObject(rt.vm)

		handler, ok := goja.AssertFunction(spec.Get("handler"))
		if !ok {
			rt.Throw(fmt.Errorf("handler for %s is not a function", method))
		}
		cacheable := false
		if v := spec.Get("cacheable"); v != nil {
			cacheable = v.ToBoolean()
		}

		err := api.RegisterMethod(method, rpc.Method{
			Cacheable: cacheable,
			Handler:   scriptHandler(rt, handler),
		})
		if err != nil {
			if *registerErr == nil {
				*registerErr = err
			}
			rt.Throw(err)
		}
		return goja.Undefined()
	})

	obj.Set("config", func(call goja.FunctionCall) goja.Value {
		v, ok := api.Config(call.Argument(0).String())
		if !ok {
			return goja.Undefined()
		}
		return rt.ToValue(v)
	})

	obj.Set("methods", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(api.Methods())
	})

	logger := rt.NewObject()
	logger.Set("info", func(msg string) { api.Logger.Info().Msg(msg) })
	logger.Set("warn", func(msg string) { api.Logger.Warn().Msg(msg) })
	logger.Set("error", func(msg string) { api.Logger.Error().Msg(msg) })
	logger.Set("debug", func(msg string) { api.Logger.Debug().Msg(msg) })
	obj.Set("logger", logger)

	return obj
}

// scriptHandler adapts a script function to a method handler
func scriptHandler(rt *Runtime, fn goja.Callable) rpc.Handler {
	return func(ctx context.Context, data any) (rpc.Result, error) {
		v, err := rt.Call(ctx, fn, data)
		if err != nil {
			return rpc.Result{}, err
		}
		return scriptResult(v)
	}
}

// scriptResult treats an object with truthy data as a shaped response
func scriptResult(v any) (rpc.Result, error) {
	m, ok := v.(map[string]any)
	if !ok || !rpc.Truthy(m["data"]) {
		return rpc.Value(v), nil
	}

	raw, err := msgpack.Marshal(m)
	if err != nil {
		return rpc.Result{}, fmt.Errorf("failed to encode plugin response: %w", err)
	}
	var resp rpc.Response
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return rpc.Result{}, fmt.Errorf("invalid plugin response: %w", err)
	}
	return rpc.Envelope(&resp), nil
}
