// Package version implements the semantic version checks used during the
// connect handshake: ordering, major-version compatibility and minimum
// requirement tests.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a (major, minor, patch) triple.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// Parse parses a dot-delimited version string. Missing trailing components
// default to zero, so "1.2" parses as 1.2.0. A leading "v" is accepted.
func Parse(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return Version{}, fmt.Errorf("empty version string")
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("version %q has more than three components", s)
	}

	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version component %q in %q", p, s)
		}
		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// lenient parses like Parse but maps anything unparseable to zero, component
// by component. "1.x.3" becomes 1.0.3.
func lenient(s string) Version {
	if v, err := Parse(s); err == nil {
		return v
	}

	var nums [3]int
	parts := strings.Split(strings.TrimPrefix(strings.TrimSpace(s), "v"), ".")
	for i := 0; i < len(parts) && i < 3; i++ {
		if n, err := strconv.Atoi(parts[i]); err == nil && n >= 0 {
			nums[i] = n
		}
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}
}

// String returns the canonical "major.minor.patch" form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 depending on whether v sorts before, equal to
// or after o.
func (v Version) Compare(o Version) int {
	a := [3]int{v.Major, v.Minor, v.Patch}
	b := [3]int{o.Major, o.Minor, o.Patch}
	for i := range a {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// CompatibleWith reports whether both versions share a major component.
func (v Version) CompatibleWith(o Version) bool {
	return v.Major == o.Major
}

// Compare compares two version strings component-wise.
func Compare(a, b string) int {
	return lenient(a).Compare(lenient(b))
}

// Compatible reports whether two version strings have the same major version.
// Minor and patch drift is tolerated.
func Compatible(a, b string) bool {
	return lenient(a).CompatibleWith(lenient(b))
}

// MeetsRequirement reports whether v is at least min.
func MeetsRequirement(v, min string) bool {
	return Compare(v, min) >= 0
}
