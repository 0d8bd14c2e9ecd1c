// Package buildinfo carries the version stamped in by the linker.
package buildinfo

// Set at build time via -ldflags "-X stride/internal/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns a compact build identifier for titles and banners.
func Short() string {
	switch {
	case Version != "" && Version != "dev":
		return Version
	case Commit != "" && Commit != "unknown":
		return Commit
	default:
		return "dev"
	}
}

// Banner is the first kernel log line.
func Banner() string {
	return "stride " + Short() + " (commit " + Commit + ", built " + Date + ")"
}
