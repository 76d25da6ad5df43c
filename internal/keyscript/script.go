// Package keyscript runs operator-supplied JavaScript hooks that choose the
// throttle bucket key for an event.
package keyscript

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/coachpo/floodgate/errs"
	"github.com/coachpo/floodgate/internal/schema"
)

// ExportName is the function a key script must export.
const ExportName = "deriveKey"

// Script wraps a compiled key-derivation program. A single runtime backs the
// script, so executions are serialised under a mutex.
type Script struct {
	name string
	rt   *goja.Runtime
	fn   goja.Callable
	mu   sync.Mutex
}

// Compile parses and runs the provided source, resolving the deriveKey export.
func Compile(name, source string) (*Script, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		trimmed = "keyscript"
	}
	program, err := goja.Compile(trimmed, source, true)
	if err != nil {
		return nil, errs.New("keyscript/compile", errs.CodeScript, errs.WithMessage("compile key script"), errs.WithCause(err), errs.WithField("script", trimmed))
	}

	rt := goja.New()
	exports, err := runScript(rt, program)
	if err != nil {
		return nil, errs.New("keyscript/compile", errs.CodeScript, errs.WithMessage("execute key script"), errs.WithCause(err), errs.WithField("script", trimmed))
	}

	value := exports.Get(ExportName)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, errs.New("keyscript/compile", errs.CodeScript, errs.WithMessage("deriveKey export missing"), errs.WithField("script", trimmed))
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, errs.New("keyscript/compile", errs.CodeScript, errs.WithMessage("deriveKey export not callable"), errs.WithField("script", trimmed))
	}

	script := new(Script)
	script.name = trimmed
	script.rt = rt
	script.fn = fn
	return script, nil
}

// Load reads a script file from disk and compiles it.
func Load(path string) (*Script, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	if clean == "" || clean == "." {
		return nil, errs.New("keyscript/load", errs.CodeInvalid, errs.WithMessage("script path required"))
	}
	source, err := os.ReadFile(clean) // #nosec G304 -- script paths are controlled by operators.
	if err != nil {
		return nil, errs.New("keyscript/load", errs.CodeNotFound, errs.WithMessage("read key script"), errs.WithCause(err), errs.WithField("path", clean))
	}
	return Compile(filepath.Base(clean), string(source))
}

// Name returns the script identifier used in logs.
func (s *Script) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// DeriveKey invokes the script against the event and returns the bucket key.
// The event is presented to JavaScript as a plain object with event_id, key,
// type, timestamp and payload fields.
func (s *Script) DeriveKey(evt *schema.Event) (string, error) {
	if s == nil {
		return "", errs.New("keyscript/derive", errs.CodeInternal, errs.WithMessage("script not initialised"))
	}
	if evt == nil {
		return "", errs.New("keyscript/derive", errs.CodeInvalid, errs.WithMessage("event required"))
	}

	input := map[string]any{
		"event_id":  evt.EventID,
		"key":       evt.Key,
		"type":      string(evt.Type),
		"timestamp": evt.Timestamp,
	}
	if evt.Payload != nil {
		input["payload"] = evt.Payload
	}

	s.mu.Lock()
	value, err := s.fn(goja.Undefined(), s.rt.ToValue(input))
	s.mu.Unlock()
	if err != nil {
		return "", errs.New("keyscript/derive", errs.CodeScript, errs.WithMessage("deriveKey failed"), errs.WithCause(err), errs.WithField("script", s.name))
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return "", errs.New("keyscript/derive", errs.CodeScript, errs.WithMessage("deriveKey returned no value"), errs.WithField("script", s.name))
	}

	key := value.String()
	if err := schema.ValidateKey(key); err != nil {
		return "", errs.New("keyscript/derive", errs.CodeScript, errs.WithMessage("deriveKey returned unusable key"), errs.WithCause(err), errs.WithField("script", s.name))
	}
	return key, nil
}

func runScript(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := rt.Set("module", module); err != nil {
		return nil, err
	}
	if err := rt.Set("console", buildConsole(rt)); err != nil {
		return nil, err
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, err
	}

	value := module.Get("exports")
	object := value.ToObject(rt)
	if object == nil {
		return nil, errs.New("keyscript/run", errs.CodeScript, errs.WithMessage("module exports must be an object"))
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	_ = console.Set("warn", noop)
	_ = console.Set("info", noop)
	return console
}
