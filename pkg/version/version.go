// Package version reports which parley build is running. The server logs
// it at startup and both binaries print it for --version.
//
// Release builds stamp the values through the linker:
//
//	go build -ldflags "-X github.com/NicolasHaas/parley/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/parley/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/parley/pkg/version.date=2026-01-01"
package version

// Left at these values by a plain `go build`.
var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// String is the short form used in log lines: the release tag, else the
// commit, else "dev".
func String() string {
	switch {
	case tag != "":
		return tag
	case commit != "unknown":
		return commit
	default:
		return "dev"
	}
}

// Full adds the commit and build date to String when they are known.
func Full() string {
	switch {
	case tag != "":
		return tag + " (" + commit + ") built " + date
	case commit != "unknown":
		return commit + " built " + date
	default:
		return "dev"
	}
}

// Banner is the --version line for the named parley binary.
func Banner(binary string) string {
	return binary + " " + Full()
}
