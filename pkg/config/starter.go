package config

import (
	"bytes"
	"text/template"
)

const starterTemplate = `// projup configuration. Unset fields take their defaults.

solution: {{ printf "%q" .Solution }}

targetFramework: {{ printf "%q" .TargetFramework }}
clientProfile:   {{ .ClientProfile }}
visualStudio:    {{ printf "%q" .VisualStudio }}

retry: {
	maxAttempts: 15
	delay:       "3s"
}

parallelism: 4

session: kind: "solution-file"

// policy: builtin: ["no-downgrade"]

// hooks: {
// 	monikerScript: "projup.star"
// 	vars: pinned: "Legacy"
// }

store: path: ".projup/history.db"

telemetry: logLevel: "info"
`

var starter = template.Must(template.New("projup.cue").Parse(starterTemplate))

// StarterOptions fills the generated config.
type StarterOptions struct {
	Solution        string
	TargetFramework string
	ClientProfile   bool
	VisualStudio    string
}

// Starter renders a commented projup.cue for init.
func Starter(opts StarterOptions) ([]byte, error) {
	if opts.TargetFramework == "" {
		opts.TargetFramework = "4.5"
	}
	if opts.VisualStudio == "" {
		opts.VisualStudio = "2015"
	}
	var buf bytes.Buffer
	if err := starter.Execute(&buf, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
