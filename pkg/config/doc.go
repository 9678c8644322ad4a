// Package config loads projup.cue and evaluates Starlark moniker hooks.
//
// # Configuration
//
// A projup.cue file is unified with an embedded CUE schema that supplies
// every default, then decoded into Config and checked again with
// go-playground/validator. Errors carry the file position reported by CUE,
// or the struct path reported by the validator:
//
//	l, err := config.NewLoader()
//	if err != nil {
//	    return err
//	}
//	cfg, err := l.Load("projup.cue")
//	if err != nil {
//	    var loadErr *config.LoadError
//	    if errors.As(err, &loadErr) {
//	        for _, e := range loadErr.Errors {
//	            fmt.Println(e)
//	        }
//	    }
//	    return err
//	}
//
// A missing file is not an error: the defaults are returned. Flags applied on
// top of a loaded config should be re-checked with Loader.Validate.
//
// A minimal file:
//
//	solution:        "C:/src/App/App.sln"
//	targetFramework: "4.6"
//	retry: delay:    "1s"
//	policy: builtin: ["no-downgrade"]
//
// # Moniker hooks
//
// StarlarkHook implements engine.MonikerHook. The script is executed once,
// its globals are frozen and target_moniker(project, default) is called for
// every project the engine is about to retarget:
//
//	def target_moniker(project, default):
//	    if project.name in vars.get("pinned", "").split(","):
//	        return moniker("4.0", client_profile = True)
//	    return default
//
// Each call runs on its own thread and is cancelled when the context ends or
// the hook timeout expires. print() output goes to the debug log.
package config
