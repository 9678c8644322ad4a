package engine

import (
	"fmt"
	"strings"
)

// FrameworkVersion is a .NET Framework version label such as "4.5".
type FrameworkVersion string

// Supported framework versions.
const (
	Framework35  FrameworkVersion = "3.5"
	Framework40  FrameworkVersion = "4.0"
	Framework45  FrameworkVersion = "4.5"
	Framework451 FrameworkVersion = "4.5.1"
	Framework452 FrameworkVersion = "4.5.2"
	Framework46  FrameworkVersion = "4.6"
)

// FrameworkVersions lists the supported versions in ascending order.
var FrameworkVersions = []FrameworkVersion{
	Framework35, Framework40, Framework45, Framework451, Framework452, Framework46,
}

const (
	monikerPrefix = ".NETFramework,Version=v"
	profileSuffix = ",Profile=Client"

	// IncompatiblePlatformMarker identifies projects that cannot be retargeted
	// to the desktop framework.
	IncompatiblePlatformMarker = "Silverlight"
)

// Validate checks that v is a supported version.
func (v FrameworkVersion) Validate() error {
	for _, known := range FrameworkVersions {
		if v == known {
			return nil
		}
	}
	return fmt.Errorf("unsupported target framework %q", string(v))
}

// ParseFrameworkVersion accepts "4.5", "v4.5" and "v4_5" forms.
func ParseFrameworkVersion(s string) (FrameworkVersion, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")
	s = strings.ReplaceAll(s, "_", ".")
	v := FrameworkVersion(s)
	if err := v.Validate(); err != nil {
		return "", err
	}
	return v, nil
}

// TargetFramework is the retarget descriptor: a version plus an optional client profile.
type TargetFramework struct {
	Version       FrameworkVersion `json:"version" yaml:"version"`
	ClientProfile bool             `json:"client_profile" yaml:"client_profile"`
}

// Moniker composes the version moniker compared against the project property.
func (t TargetFramework) Moniker() string {
	m := monikerPrefix + string(t.Version)
	if t.ClientProfile {
		m += profileSuffix
	}
	return m
}

func (t TargetFramework) String() string {
	return t.Moniker()
}

// Validate checks the descriptor.
func (t TargetFramework) Validate() error {
	return t.Version.Validate()
}

// isIncompatiblePlatform reports whether a current property value belongs to a
// platform that must never be retargeted.
func isIncompatiblePlatform(current string) bool {
	return strings.Contains(current, IncompatiblePlatformMarker)
}

// VisualStudioVersion selects the automation server program id.
type VisualStudioVersion string

// Supported Visual Studio versions.
const (
	VisualStudio2013 VisualStudioVersion = "2013"
	VisualStudio2015 VisualStudioVersion = "2015"
)

// ProgID returns the automation program id of the version.
func (v VisualStudioVersion) ProgID() (string, error) {
	switch v {
	case VisualStudio2013:
		return "VisualStudio.DTE.12.0", nil
	case VisualStudio2015:
		return "VisualStudio.DTE.14.0", nil
	default:
		return "", fmt.Errorf("unsupported visual studio version %q", string(v))
	}
}
