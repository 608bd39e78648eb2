// Package version derives the build identity stamped into startup logs and
// user-agent strings by the four runners (gateway, orchestrator, ingestion,
// automation).
//
// Commit resolution order: -ldflags override > VCS info from
// debug.BuildInfo > "dev" fallback. Builds from a dirty tree carry a
// "-dirty" suffix so a log line can never be mistaken for a released
// revision.
package version

import "runtime/debug"

// AppName prefixes every version string.
const AppName = "chatmesh"

// commitOverride is set via -ldflags for container builds where .git is
// unavailable. Empty means no override.
var commitOverride string

// Commit is the short commit hash, "-dirty" suffixed when the working tree
// had local modifications, or "dev" when no build info exists (go test,
// non-git builds).
var Commit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	commit, dirty := "", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit == "" {
		return "dev"
	}
	if dirty {
		return short(commit) + "-dirty"
	}
	return short(commit)
}

func short(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

// Component returns "chatmesh-<name>/<commit>" identifying one runner, e.g.
// "chatmesh-gateway/a3f8c2d1". An empty name yields the bare "chatmesh/<commit>".
func Component(name string) string {
	if name == "" {
		return AppName + "/" + Commit
	}
	return AppName + "-" + name + "/" + Commit
}

// Full returns the bare application identity, "chatmesh/<commit>".
func Full() string {
	return Component("")
}
