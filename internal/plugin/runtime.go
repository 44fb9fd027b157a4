package plugin

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrExecutionTimeout is returned when a script call runs past its timeout
var ErrExecutionTimeout = errors.New("plugin execution timed out")

// Runtime wraps a goja VM with plugin bindings. goja runtimes are not safe
// for concurrent use, so every call into the VM is serialized.
type Runtime struct {
	vm      *goja.Runtime
	mu      sync.Mutex
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRuntime creates a new Runtime with console and utils bindings
func NewRuntime(timeout time.Duration, logger zerolog.Logger) *Runtime {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	r := &Runtime{
		vm:      vm,
		timeout: timeout,
		logger:  logger,
	}
	r.setupConsole()
	r.setupUtils()
	return r
}

// setupConsole binds console.* to the plugin logger
func (r *Runtime) setupConsole() {
	console := r.vm.NewObject()

	levels := map[string]zerolog.Level{
		"log":   zerolog.InfoLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"debug": zerolog.DebugLevel,
	}
	for name, level := range levels {
		console.Set(name, func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			r.logger.WithLevel(level).Msgf("%v", args)
			return goja.Undefined()
		})
	}

	r.vm.Set("console", console)
}

// setupUtils creates hashing and encoding helpers
func (r *Runtime) setupUtils() {
	utils := r.vm.NewObject()

	utils.Set("hexToBytes", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("hexToBytes requires 1 argument"))
		}
		b, err := hex.DecodeString(strings.TrimPrefix(call.Arguments[0].String(), "0x"))
		if err != nil {
			panic(r.vm.ToValue(fmt.Sprintf("invalid hex string: %v", err)))
		}
		return r.vm.ToValue(r.vm.NewArrayBuffer(b))
	})

	utils.Set("bytesToHex", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("bytesToHex requires 1 argument"))
		}
		return r.vm.ToValue(hex.EncodeToString(r.bytesArg(call.Arguments[0])))
	})

	utils.Set("blake2b", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("blake2b requires 1 argument"))
		}
		sum := blake2b.Sum256(r.bytesArg(call.Arguments[0]))
		return r.vm.ToValue(hex.EncodeToString(sum[:]))
	})

	utils.Set("keccak256", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("keccak256 requires 1 argument"))
		}
		hash := sha3.NewLegacyKeccak256()
		hash.Write(r.bytesArg(call.Arguments[0]))
		return r.vm.ToValue("0x" + hex.EncodeToString(hash.Sum(nil)))
	})

	utils.Set("parseJSON", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("parseJSON requires string"))
		}
		var result any
		if err := json.UnmarshalFromString(call.Arguments[0].String(), &result); err != nil {
			panic(r.vm.ToValue(fmt.Sprintf("invalid JSON: %v", err)))
		}
		return r.vm.ToValue(result)
	})

	utils.Set("stringifyJSON", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("stringifyJSON requires value"))
		}
		s, err := json.MarshalToString(call.Arguments[0].Export())
		if err != nil {
			panic(r.vm.ToValue(fmt.Sprintf("JSON stringify error: %v", err)))
		}
		return r.vm.ToValue(s)
	})

	r.vm.Set("utils", utils)
}

// bytesArg accepts a string, an ArrayBuffer or an array of numbers
func (r *Runtime) bytesArg(v goja.Value) []byte {
	switch val := v.Export().(type) {
	case string:
		if strings.HasPrefix(val, "0x") {
			if b, err := hex.DecodeString(val[2:]); err == nil {
				return b
			}
		}
		return []byte(val)
	case []byte:
		return val
	case goja.ArrayBuffer:
		return val.Bytes()
	case []any:
		b := make([]byte, len(val))
		for i, n := range val {
			switch num := n.(type) {
			case int64:
				b[i] = byte(num)
			case float64:
				b[i] = byte(num)
			}
		}
		return b
	default:
		panic(r.vm.ToValue("expected string or byte array"))
	}
}

// Run executes script source in the VM
func (r *Runtime) Run(name, script string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.vm.RunScript(name, script)
	return scriptError(err)
}

// Function looks up a global function
func (r *Runtime) Function(name string) (goja.Callable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return goja.AssertFunction(r.vm.Get(name))
}

// Call invokes fn with Go arguments and exports its result. The call is
// interrupted when ctx ends or the runtime timeout passes. A returned
// promise must already be settled.
func (r *Runtime) Call(ctx context.Context, fn goja.Callable, args ...any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.vm.ClearInterrupt()

	if r.timeout > 0 {
		timer := time.AfterFunc(r.timeout, func() {
			r.vm.Interrupt(ErrExecutionTimeout)
		})
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, func() {
		r.vm.Interrupt(ctx.Err())
	})
	defer stop()

	jsArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		jsArgs[i] = r.vm.ToValue(arg)
	}

	result, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, scriptError(err)
	}

	if p, ok := result.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			result = p.Result()
		case goja.PromiseStateRejected:
			return nil, errors.New(errorMessage(p.Result()))
		default:
			return nil, errors.New("plugin handler returned a pending promise")
		}
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return exportValue(result.Export()), nil
}

// Interrupt aborts whatever the VM is running
func (r *Runtime) Interrupt(reason any) {
	r.vm.Interrupt(reason)
}

// NewObject creates an object owned by this VM
func (r *Runtime) NewObject() *goja.Object {
	return r.vm.NewObject()
}

// ToValue converts a Go value for this VM
func (r *Runtime) ToValue(v any) goja.Value {
	return r.vm.ToValue(v)
}

// Throw raises err as a JavaScript exception from inside a Go binding
func (r *Runtime) Throw(err error) {
	panic(r.vm.NewGoError(err))
}

// scriptError unwraps goja failures into plain Go errors
func scriptError(err error) error {
	if err == nil {
		return nil
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
		return fmt.Errorf("plugin interrupted: %v", interrupted.Value())
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		if obj, ok := exception.Value().(*goja.Object); ok {
			if inner := obj.Get("value"); inner != nil {
				if cause, ok := inner.Export().(error); ok {
					return cause
				}
			}
		}
		return errors.New(errorMessage(exception.Value()))
	}

	return err
}

// errorMessage prefers an Error's message over its string form
func errorMessage(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}

// exportValue turns VM-owned buffers into byte slices
func exportValue(v any) any {
	switch val := v.(type) {
	case goja.ArrayBuffer:
		return val.Bytes()
	case map[string]any:
		for k, item := range val {
			val[k] = exportValue(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = exportValue(item)
		}
		return val
	default:
		return v
	}
}
