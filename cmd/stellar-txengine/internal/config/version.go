//nolint:gochecknoglobals // allow global variables
package config

var (
	// Version is the stellar-txengine version number, which is injected during build time.
	Version = "0.0.0"

	// CommitHash is the stellar-txengine git commit hash, which is injected during build time.
	CommitHash = ""

	// BuildTimestamp is the timestamp at which the stellar-txengine was built, injected during build time.
	BuildTimestamp = ""
)
