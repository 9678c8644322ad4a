package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Loader reads retarget policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// policyDecoders maps a file extension to its decoder.
var policyDecoders = map[string]func(path string, data []byte) (*Policy, error){
	".rego": decodeRego,
	".json": decodeJSON,
}

// LoadFromPaths loads every policy named by paths, which may be files or
// directories. Directories are walked recursively and files with other
// extensions are skipped there; a broken file fails the whole load.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			decode, ok := policyDecoders[filepath.Ext(path)]
			if !ok {
				if path == root {
					return fmt.Errorf("unsupported policy file type: %s", path)
				}
				return nil
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			p, err := decode(path, data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded from file")
			policies = append(policies, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("total", len(policies)).Int("sources", len(paths)).Msg("Policies loaded")
	return policies, nil
}

// decodeRego wraps a .rego file in an enabled policy named after the file.
// The leading comment block is the description; a "severity: warning" line
// in it lowers the default severity.
func decodeRego(path string, data []byte) (*Policy, error) {
	description, severity := extractHeader(string(data))
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Source:      path,
	}, nil
}

// decodeJSON reads a policy definition whose rego field holds the module.
func decodeJSON(path string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	p.Source = path
	return &p, nil
}

// extractHeader reads the leading comment block of a Rego file.
func extractHeader(content string) (string, Severity) {
	var description []string
	severity := SeverityError

	for line := range strings.Lines(content) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		comment, ok := strings.CutPrefix(trimmed, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if value, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.TrimSpace(value))
		} else if comment != "" {
			description = append(description, comment)
		}
	}

	return strings.Join(description, " "), severity
}
