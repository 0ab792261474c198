package version

// Build information (injected via ldflags - must NOT have default values)
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// Fallback compared against discovered images when Version is not injected.
const Unversioned = "0.0.0"

// Running returns the version discovery compares against.
func Running() string {
	if Version == "" {
		return Unversioned
	}
	return Version
}

// String renders the build for the console.
func String() string {
	s := Running()
	if GitSHA != "" {
		s += " (" + GitSHA + ")"
	}
	if BuildDate != "" {
		s += " built " + BuildDate
	}
	return s
}
