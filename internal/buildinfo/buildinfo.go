// Package buildinfo provides build-time version information.
package buildinfo

// version and commit are set at build time via -ldflags.
var (
	version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var
	commit  = ""    //nolint:gochecknoglobals // ldflags requires package-level var
)

// String returns the current version, with the commit hash appended when
// one was stamped in.
func String() string {
	if commit == "" {
		return version
	}
	return version + " (" + commit + ")"
}
