package build

import "fmt"

// Semantic versioning: https://semver.org/
const (
	appMajor uint = 0
	appMinor uint = 3
	appPatch uint = 0
)

// Version returns the application version as a properly formed string
func Version() string {
	return fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
}
