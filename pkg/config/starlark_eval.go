package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/projup/projup/pkg/engine"
)

// MonikerFunc is the function a moniker script must define.
const MonikerFunc = "target_moniker"

// StarlarkHook runs a user script that may override the target moniker of
// each project. The script defines
//
//	def target_moniker(project, default):
//	    return default
//
// where project is a struct with full_name, name, dir, special and kind.
// Returning None keeps the default. The predeclared vars dict holds
// hooks.vars from the config, and moniker(version, client_profile=False)
// builds a moniker string.
type StarlarkHook struct {
	fn      starlark.Callable
	timeout time.Duration
	logger  zerolog.Logger
}

// NewStarlarkHook loads the script at path.
func NewStarlarkHook(path string, vars map[string]string, timeout time.Duration, logger zerolog.Logger) (*StarlarkHook, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read moniker script: %w", err)
	}
	return CompileStarlarkHook(path, src, vars, timeout, logger)
}

// CompileStarlarkHook executes src once and captures its target_moniker.
func CompileStarlarkHook(name string, src []byte, vars map[string]string, timeout time.Duration, logger zerolog.Logger) (*StarlarkHook, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	in := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		in[k] = v
	}
	varsValue, err := toStarlarkValue(in)
	if err != nil {
		return nil, err
	}
	predeclared := starlark.StringDict{
		"struct":  starlarkstruct.Default,
		"moniker": starlark.NewBuiltin("moniker", builtinMoniker),
		"vars":    varsValue,
	}

	thread := newThread(name, logger)
	globals, err := starlark.ExecFile(thread, name, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	globals.Freeze()

	fn, ok := globals[MonikerFunc].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s does not define %s(project, default)", name, MonikerFunc)
	}
	return &StarlarkHook{fn: fn, timeout: timeout, logger: logger}, nil
}

// TargetMoniker implements engine.MonikerHook. Globals are frozen after
// load, so concurrent calls each get their own thread.
func (h *StarlarkHook) TargetMoniker(ctx context.Context, project engine.ProjectView, def string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	thread := newThread(MonikerFunc, h.logger)
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(fmt.Sprintf("execution timeout after %v", h.timeout))
	})
	defer stop()

	args := starlark.Tuple{projectStruct(project), starlark.String(def)}
	result, err := starlark.Call(thread, h.fn, args, nil)
	if err != nil {
		return "", fmt.Errorf("%s(%s): %w", MonikerFunc, project.Name, err)
	}

	switch v := result.(type) {
	case starlark.NoneType:
		return def, nil
	case starlark.String:
		if v == "" {
			return def, nil
		}
		return string(v), nil
	default:
		return "", fmt.Errorf("%s(%s) returned %s, want string or None", MonikerFunc, project.Name, result.Type())
	}
}

func newThread(name string, logger zerolog.Logger) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Debug().Str("script", name).Msg(msg)
		},
	}
}

func projectStruct(p engine.ProjectView) *starlarkstruct.Struct {
	return starlarkstruct.FromStringDict(starlark.String("project"), starlark.StringDict{
		"full_name": starlark.String(p.FullName),
		"name":      starlark.String(p.Name),
		"dir":       starlark.String(p.Dir),
		"special":   starlark.Bool(p.Special),
		"kind":      starlark.String(string(p.Kind)),
	})
}

// builtinMoniker implements moniker(version, client_profile=False).
func builtinMoniker(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var version string
	var clientProfile bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "version", &version, "client_profile?", &clientProfile); err != nil {
		return nil, err
	}
	v, err := engine.ParseFrameworkVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(engine.TargetFramework{Version: v, ClientProfile: clientProfile}.Moniker()), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
