package solutionfile

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// DefaultIdentifier is the framework identifier assumed when a project file
// does not name one.
const DefaultIdentifier = ".NETFramework"

const (
	elemVersion    = "TargetFrameworkVersion"
	elemProfile    = "TargetFrameworkProfile"
	elemIdentifier = "TargetFrameworkIdentifier"
)

// Moniker is a parsed target framework moniker such as
// ".NETFramework,Version=v4.0,Profile=Client".
type Moniker struct {
	Identifier string
	Version    string
	Profile    string
}

// ParseMoniker parses a moniker string.
func ParseMoniker(s string) (Moniker, error) {
	parts := strings.Split(s, ",")
	m := Moniker{Identifier: strings.TrimSpace(parts[0])}
	if m.Identifier == "" {
		return Moniker{}, fmt.Errorf("invalid moniker %q: missing identifier", s)
	}
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Moniker{}, fmt.Errorf("invalid moniker %q: %q is not key=value", s, part)
		}
		switch strings.ToLower(key) {
		case "version":
			m.Version = value
		case "profile":
			m.Profile = value
		default:
			return Moniker{}, fmt.Errorf("invalid moniker %q: unknown key %q", s, key)
		}
	}
	if m.Version == "" {
		return Moniker{}, fmt.Errorf("invalid moniker %q: missing version", s)
	}
	return m, nil
}

func (m Moniker) String() string {
	s := m.Identifier + ",Version=" + m.Version
	if m.Profile != "" {
		s += ",Profile=" + m.Profile
	}
	return s
}

// ProjectFile is the text of an MSBuild project file. Edits rewrite single
// elements in place so the rest of the file is preserved byte for byte.
type ProjectFile struct {
	Path string
	text string
}

// LoadProjectFile reads the project file at path.
func LoadProjectFile(path string) (*ProjectFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}
	return &ProjectFile{Path: path, text: string(data)}, nil
}

// Save writes the project file back to its path.
func (p *ProjectFile) Save() error {
	if err := os.WriteFile(p.Path, []byte(p.text), 0o644); err != nil {
		return fmt.Errorf("failed to write project file: %w", err)
	}
	return nil
}

// Property returns the text of the first element named name.
func (p *ProjectFile) Property(name string) (string, bool) {
	loc := elementPattern(name).FindStringSubmatchIndex(p.text)
	if loc == nil {
		return "", false
	}
	if loc[2] < 0 {
		return "", true
	}
	return strings.TrimSpace(p.text[loc[2]:loc[3]]), true
}

// SetProperty replaces the text of the first element named name.
func (p *ProjectFile) SetProperty(name, value string) error {
	loc := elementPattern(name).FindStringIndex(p.text)
	if loc == nil {
		return fmt.Errorf("%s has no %s element", p.Path, name)
	}
	p.text = p.text[:loc[0]] + element(name, value) + p.text[loc[1]:]
	return nil
}

// Moniker composes the target framework moniker from the project elements.
func (p *ProjectFile) Moniker() (string, error) {
	version, ok := p.Property(elemVersion)
	if !ok || version == "" {
		return "", fmt.Errorf("%s has no %s", p.Path, elemVersion)
	}
	m := Moniker{Identifier: DefaultIdentifier, Version: version}
	if id, ok := p.Property(elemIdentifier); ok && id != "" {
		m.Identifier = id
	}
	if profile, ok := p.Property(elemProfile); ok {
		m.Profile = profile
	}
	return m.String(), nil
}

// SetMoniker rewrites the framework elements to match moniker. Missing
// profile and identifier elements are inserted after the version element.
func (p *ProjectFile) SetMoniker(moniker string) error {
	m, err := ParseMoniker(moniker)
	if err != nil {
		return err
	}
	if err := p.SetProperty(elemVersion, m.Version); err != nil {
		return err
	}

	if _, ok := p.Property(elemProfile); ok {
		if err := p.SetProperty(elemProfile, m.Profile); err != nil {
			return err
		}
	} else if m.Profile != "" {
		p.insertAfter(elemVersion, elemProfile, m.Profile)
	}

	if _, ok := p.Property(elemIdentifier); ok {
		return p.SetProperty(elemIdentifier, m.Identifier)
	}
	if m.Identifier != DefaultIdentifier {
		p.insertAfter(elemVersion, elemIdentifier, m.Identifier)
	}
	return nil
}

// insertAfter adds a sibling element after the first anchor element, reusing
// the anchor's indentation.
func (p *ProjectFile) insertAfter(anchor, name, value string) {
	loc := elementPattern(anchor).FindStringIndex(p.text)
	if loc == nil {
		return
	}
	lineStart := strings.LastIndex(p.text[:loc[0]], "\n") + 1
	indent := p.text[lineStart:loc[0]]
	if strings.TrimSpace(indent) != "" {
		indent = ""
	}
	eol := "\n"
	if strings.Contains(p.text, "\r\n") {
		eol = "\r\n"
	}
	p.text = p.text[:loc[1]] + eol + indent + element(name, value) + p.text[loc[1]:]
}

func element(name, value string) string {
	if value == "" {
		return "<" + name + " />"
	}
	return "<" + name + ">" + value + "</" + name + ">"
}

var elementPatterns = map[string]*regexp.Regexp{}

func elementPattern(name string) *regexp.Regexp {
	if re, ok := elementPatterns[name]; ok {
		return re
	}
	q := regexp.QuoteMeta(name)
	return regexp.MustCompile(`(?s)<` + q + `(?:\s[^>/]*)?>(.*?)</` + q + `\s*>|<` + q + `\s*/>`)
}

func init() {
	for _, name := range []string{elemVersion, elemProfile, elemIdentifier} {
		elementPatterns[name] = elementPattern(name)
	}
}
