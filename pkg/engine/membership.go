package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// membershipMarker is the token that identifies a project reference line.
const membershipMarker = `proj"`

// Membership is the set of project file names referenced by a manifest's text.
// It is a pre-filter: the live session enumeration is authoritative.
type Membership struct {
	keys []string
	seen map[string]struct{}
}

// ReadMembership extracts project file names from the manifest at path.
// A manifest that does not exist yet yields an empty set.
func ReadMembership(path string) (Membership, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Membership{}, nil
		}
		return Membership{}, fmt.Errorf("opening manifest %s: %w", path, err)
	}
	defer f.Close()

	m, err := ParseMembership(f)
	if err != nil {
		return Membership{}, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	return m, nil
}

// ParseMembership extracts project file names from manifest text.
func ParseMembership(r io.Reader) (Membership, error) {
	m := Membership{seen: make(map[string]struct{})}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(strings.ToLower(line), membershipMarker) {
			continue
		}
		if key, ok := membershipKey(line); ok {
			m.add(key)
		}
	}
	if err := scanner.Err(); err != nil {
		return Membership{}, err
	}
	return m, nil
}

// membershipKey returns the file name of the first quoted segment ending in "proj".
func membershipKey(line string) (string, bool) {
	for _, seg := range strings.Split(line, `"`) {
		seg = strings.TrimSpace(seg)
		if seg == "" || !strings.HasSuffix(strings.ToLower(seg), "proj") {
			continue
		}
		if i := strings.LastIndexAny(seg, `\/`); i >= 0 {
			seg = seg[i+1:]
		}
		if seg == "" {
			return "", false
		}
		return seg, true
	}
	return "", false
}

func (m *Membership) add(key string) {
	if _, ok := m.seen[key]; ok {
		return
	}
	m.seen[key] = struct{}{}
	m.keys = append(m.keys, key)
}

// Contains reports whether name occurs inside any membership key.
// The match is substring containment, not equality.
func (m Membership) Contains(name string) bool {
	if name == "" {
		return false
	}
	for _, k := range m.keys {
		if strings.Contains(k, name) {
			return true
		}
	}
	return false
}

// Keys returns the membership keys in manifest order.
func (m Membership) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of keys.
func (m Membership) Len() int {
	return len(m.keys)
}

// Diff returns the candidates whose name is not contained in any key.
func (m Membership) Diff(candidates []ProjectFileCandidate) []ProjectFileCandidate {
	var missing []ProjectFileCandidate
	for _, c := range candidates {
		if !m.Contains(c.Name) {
			missing = append(missing, c)
		}
	}
	return missing
}
