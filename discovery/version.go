package discovery

import "strings"

// Version policy components, in semantic-version order.
const (
	VersionMajor = "major"
	VersionMinor = "minor"
	VersionPatch = "patch"
)

var versionIndex = map[string]int{
	VersionMajor: 0,
	VersionMinor: 1,
	VersionPatch: 2,
}

// VersionCompatible reports whether two package versions may join the same
// cluster under policy, an ordered list of components that must match
// (e.g. ["major", "minor"]). An empty policy admits every version; an
// unknown component never matches, which fails closed.
func VersionCompatible(policy []string, a, b string) bool {
	if len(policy) == 0 {
		return true
	}
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for _, comp := range policy {
		i, ok := versionIndex[comp]
		if !ok {
			return false
		}
		if component(as, i) != component(bs, i) {
			return false
		}
	}
	return true
}

func component(parts []string, i int) string {
	if i >= len(parts) {
		return ""
	}
	p := parts[i]
	// Strip pre-release/build suffixes from the component.
	if j := strings.IndexAny(p, "-+"); j >= 0 {
		p = p[:j]
	}
	return p
}
