// Package version carries build identification, stamped at link time:
//
//	go build -ldflags "-X .../internal/version.Version=v1.2.0 ..."
package version

var (
	// Version is the release tag, "dev" for local builds.
	Version = "dev"
	// GitSHA identifies the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime records when the binary was built.
	BuildTime = "unknown"
)
