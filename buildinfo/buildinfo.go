// Package buildinfo holds application metadata stamped in at build time.
//
//	go build -ldflags "\
//	  -X github.com/dotside-studios/ntag-url-agent/buildinfo.Version=1.2.0 \
//	  -X github.com/dotside-studios/ntag-url-agent/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	// Name is the binary name.
	Name = "ntag-url-agent"

	// DirName is the directory created under the user config dir.
	DirName = "ntag-url-agent"

	// DisplayName is shown in the tray and advertised over mDNS.
	DisplayName = "NTAG URL Agent"

	Description = "NTAG21x URL reader, writer and migration station"

	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// FullVersion returns Version with the commit appended when known.
func FullVersion() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}

// BuildInfo returns a multi-line description used by -version.
func BuildInfo() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", Name, FullVersion())
	fmt.Fprintf(&sb, "  %s\n", Description)
	fmt.Fprintf(&sb, "  Go: %s\n", runtime.Version())
	fmt.Fprintf(&sb, "  OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&sb, "\n  Built: %s", BuildTime)
	}
	return sb.String()
}

// IsDev reports whether this binary was built without a release version.
func IsDev() bool {
	return Version == "dev"
}
