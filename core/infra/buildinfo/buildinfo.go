package buildinfo

import (
	"fmt"
	"log"
	"runtime"
	"runtime/debug"
)

// Stamped at link time via -ldflags. When unstamped, Info falls back to the
// VCS metadata embedded by the Go toolchain.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	commit, date := Commit, Date
	if commit == "unknown" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					commit = s.Value
				case "vcs.time":
					date = s.Value
				}
			}
		}
	}
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", Version, commit, date, runtime.Version())
}

// Log writes the build summary with the service name.
func Log(service string) {
	log.Printf("%s %s", service, Info())
}
