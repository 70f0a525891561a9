// Package version exposes the build identity of the binaries.
package version

import (
	"runtime/debug"
	"strings"
)

// Stamped by the release build:
//
//	-ldflags "-X .../internal/version.Version=v1.2.3 -X .../internal/version.Commit=abc -X .../internal/version.Date=..."
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String renders the version line for -version output. Fields the
// ldflags did not stamp are filled from the embedded module build info;
// a locally modified checkout gets a -dirty suffix on the commit.
func String() string {
	v, c, d := resolve(Version, Commit, Date)
	var b strings.Builder
	b.WriteString(v)
	if c != "" {
		b.WriteString(" (")
		b.WriteString(c)
		b.WriteString(")")
	}
	if d != "" {
		b.WriteString(" built ")
		b.WriteString(d)
	}
	return b.String()
}

// resolve normalizes the stamped values and fills gaps from build info.
// The "unknown" placeholders count as unset.
func resolve(version, commit, date string) (string, string, string) {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)
	if c == "unknown" {
		c = ""
	}
	if d == "unknown" {
		d = ""
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		var rev, at string
		dirty := false
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				rev = s.Value
			case "vcs.time":
				at = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
		if (v == "" || v == "dev") && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
		if c == "" && rev != "" {
			if len(rev) > 12 {
				rev = rev[:12]
			}
			c = rev
			if dirty {
				c += "-dirty"
			}
		}
		if d == "" {
			d = at
		}
	}

	if v == "" {
		v = "dev"
	}
	return v, c, d
}
