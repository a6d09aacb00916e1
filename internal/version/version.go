// Package version carries build metadata for the QuantDinger user API,
// injected at build time via -ldflags. It is reported by /healthz and the
// startup log so deployments can be told apart.
package version

var (
	// Version is the release tag (e.g. v1.2.3). Empty for dev builds.
	Version = ""
	// Commit is the short git SHA the binary was built from.
	Commit = ""
	// Date is the UTC build timestamp in RFC3339 format.
	Date = ""
	// Dirty is "dirty" when the tree had uncommitted changes, else "clean".
	Dirty = ""
)

// String renders the version for logs and the health endpoint: the release
// tag when set, "dev-<sha>" (with a "*" marker when dirty) for dev builds,
// or plain "dev" when no metadata was injected.
func String() string {
	if Version != "" {
		return Version
	}
	if Commit != "" {
		s := "dev-" + Commit
		if Dirty == "dirty" {
			s += "*"
		}
		return s
	}
	return "dev"
}
