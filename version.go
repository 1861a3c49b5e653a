package emberkv

import "fmt"

// Release version.
const (
	VersionMajor = 0
	VersionMinor = 9
	VersionPatch = 0
)

// Version returns the release numbers and a human-readable string.
func Version() (major, minor, patch int, s string) {
	return VersionMajor, VersionMinor, VersionPatch,
		fmt.Sprintf("emberkv %d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
}
