package solutionfile

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/projup/projup/pkg/automation"
)

// Project type GUIDs.
const (
	TypeCSharp         = "FAE04EC0-301F-11D3-BF4B-00C04F79EFBC"
	TypeVisualBasic    = "F184B08F-C81C-45F6-A57F-5ABD9991F28F"
	TypeSolutionFolder = "2150E333-8FDC-42A3-9474-1A3956D46DE8"
	TypeMiscFiles      = "66A2671D-8FB5-11D2-AA7E-00C04F688DDE"
)

var defaultHeader = []string{
	"",
	"Microsoft Visual Studio Solution File, Format Version 12.00",
	"# Visual Studio 14",
	"VisualStudioVersion = 14.0.25420.1",
	"MinimumVisualStudioVersion = 10.0.40219.1",
}

var defaultTrailer = []string{
	"Global",
	"EndGlobal",
}

var (
	projectLine = regexp.MustCompile(`^Project\("\{([^}]+)\}"\)\s*=\s*"([^"]*)"\s*,\s*"([^"]*)"\s*,\s*"\{([^}]+)\}"`)
	nestedLine  = regexp.MustCompile(`^\s*\{([^}]+)\}\s*=\s*\{([^}]+)\}\s*$`)
)

// Entry is one Project block of a solution file.
type Entry struct {
	TypeGUID string
	Name     string
	// Path is the location as written in the file, relative to the solution.
	Path string
	GUID string
	// Body holds the raw lines between the Project line and EndProject.
	Body []string

	abs string
}

// Kind classifies the entry.
func (e *Entry) Kind() automation.ProjectKind {
	switch strings.ToUpper(e.TypeGUID) {
	case TypeSolutionFolder:
		return automation.KindSolutionFolder
	case TypeMiscFiles:
		return automation.KindMiscFiles
	}
	if strings.HasSuffix(strings.ToLower(e.Path), "proj") {
		return automation.KindProject
	}
	return automation.KindUnknown
}

// FullName returns the absolute project file path, or "" for folders.
func (e *Entry) FullName() string {
	if e.Kind().IsContainer() {
		return ""
	}
	return e.abs
}

// Document is a parsed solution file. Lines it does not model are kept
// verbatim and written back unchanged.
type Document struct {
	Header  []string
	Entries []*Entry
	Trailer []string

	// Nested maps a child GUID to its parent GUID, both upper case.
	Nested map[string]string

	dir  string
	crlf bool
}

// NewDocument returns an empty solution rooted at dir.
func NewDocument(dir string) *Document {
	return &Document{
		Header:  append([]string(nil), defaultHeader...),
		Trailer: append([]string(nil), defaultTrailer...),
		Nested:  make(map[string]string),
		dir:     dir,
		crlf:    true,
	}
}

// Load reads and parses the solution file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read solution: %w", err)
	}
	doc, err := Parse(bytes.NewReader(data), filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse solution %s: %w", path, err)
	}
	doc.crlf = bytes.Contains(data, []byte("\r\n"))
	return doc, nil
}

// Parse reads a solution from r. dir anchors relative project paths.
func Parse(r io.Reader, dir string) (*Document, error) {
	doc := &Document{Nested: make(map[string]string), dir: dir}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		current   *Entry
		inGlobal  bool
		inNesting bool
	)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case current != nil:
			if trimmed == "EndProject" {
				doc.Entries = append(doc.Entries, current)
				current = nil
				continue
			}
			current.Body = append(current.Body, line)

		case !inGlobal && projectLine.MatchString(trimmed):
			m := projectLine.FindStringSubmatch(trimmed)
			current = &Entry{
				TypeGUID: strings.ToUpper(m[1]),
				Name:     m[2],
				Path:     m[3],
				GUID:     strings.ToUpper(m[4]),
			}
			current.abs = resolvePath(dir, current.Path)

		case !inGlobal && trimmed == "Global":
			inGlobal = true
			doc.Trailer = append(doc.Trailer, line)

		case inGlobal:
			doc.Trailer = append(doc.Trailer, line)
			switch {
			case strings.HasPrefix(trimmed, "GlobalSection(NestedProjects)"):
				inNesting = true
			case trimmed == "EndGlobalSection":
				inNesting = false
			case inNesting:
				if m := nestedLine.FindStringSubmatch(trimmed); m != nil {
					doc.Nested[strings.ToUpper(m[1])] = strings.ToUpper(m[2])
				}
			}

		default:
			doc.Header = append(doc.Header, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if current != nil {
		return nil, fmt.Errorf("project %q is missing EndProject", current.Name)
	}
	if len(doc.Trailer) == 0 {
		doc.Trailer = append([]string(nil), defaultTrailer...)
	}
	return doc, nil
}

// resolvePath maps a solution-relative path with either separator to an
// absolute path.
func resolvePath(dir, p string) string {
	p = filepath.FromSlash(strings.ReplaceAll(p, `\`, "/"))
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(dir, p)
}

// Add appends a project entry for the project file at path and returns it.
// An entry that already points at path is returned unchanged.
func (d *Document) Add(path string) (*Entry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if e := d.FindByPath(abs); e != nil {
		return e, nil
	}

	var typeGUID string
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".csproj":
		typeGUID = TypeCSharp
	case ".vbproj":
		typeGUID = TypeVisualBasic
	default:
		return nil, fmt.Errorf("unsupported project type: %s", filepath.Base(abs))
	}

	e := &Entry{
		TypeGUID: typeGUID,
		Name:     strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs)),
		Path:     relativePath(d.dir, abs),
		GUID:     strings.ToUpper(uuid.NewString()),
		abs:      abs,
	}
	d.Entries = append(d.Entries, e)
	return e, nil
}

// FindByPath returns the entry for the project file at abs.
func (d *Document) FindByPath(abs string) *Entry {
	abs = filepath.Clean(abs)
	for _, e := range d.Entries {
		if e.abs != "" && strings.EqualFold(e.abs, abs) {
			return e
		}
	}
	return nil
}

// TopLevel returns the entries that are not nested in a folder.
func (d *Document) TopLevel() []*Entry {
	var out []*Entry
	for _, e := range d.Entries {
		if _, nested := d.Nested[e.GUID]; !nested {
			out = append(out, e)
		}
	}
	return out
}

// Children returns the entries nested directly in parent.
func (d *Document) Children(parent *Entry) []*Entry {
	var out []*Entry
	for _, e := range d.Entries {
		if d.Nested[e.GUID] == parent.GUID {
			out = append(out, e)
		}
	}
	return out
}

// WriteTo writes the solution text for a file located in dir.
func (d *Document) WriteTo(w io.Writer, dir string) error {
	eol := "\n"
	if d.crlf {
		eol = "\r\n"
	}
	bw := bufio.NewWriter(w)
	for _, line := range d.Header {
		bw.WriteString(line + eol)
	}
	for _, e := range d.Entries {
		path := e.Path
		if e.abs != "" && !e.Kind().IsContainer() && filepath.Clean(dir) != filepath.Clean(d.dir) {
			path = relativePath(dir, e.abs)
		}
		fmt.Fprintf(bw, "Project(\"{%s}\") = \"%s\", \"%s\", \"{%s}\"%s", e.TypeGUID, e.Name, path, e.GUID, eol)
		for _, line := range e.Body {
			bw.WriteString(line + eol)
		}
		bw.WriteString("EndProject" + eol)
	}
	for _, line := range d.Trailer {
		bw.WriteString(line + eol)
	}
	return bw.Flush()
}

// Save writes the document to path, rebasing relative paths on its directory.
func (d *Document) Save(path string) error {
	var buf bytes.Buffer
	dir := filepath.Dir(path)
	if err := d.WriteTo(&buf, dir); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write solution: %w", err)
	}
	if filepath.Clean(dir) == filepath.Clean(d.dir) {
		return nil
	}
	for _, e := range d.Entries {
		if e.abs != "" && !e.Kind().IsContainer() {
			e.Path = relativePath(dir, e.abs)
		}
	}
	d.dir = dir
	return nil
}

func relativePath(dir, abs string) string {
	rel, err := filepath.Rel(dir, abs)
	if err != nil {
		rel = abs
	}
	return strings.ReplaceAll(rel, "/", `\`)
}
