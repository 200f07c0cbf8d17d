// Package version reports build and dependency information embedded by
// the Go toolchain.
package version

import (
	"runtime/debug"
	"sort"
)

// DependencyInfo is one module dependency of the running binary.
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo describes the running binary.
type BuildInfo struct {
	GoVersion    string           `json:"go_version"`
	MainModule   string           `json:"main_module"`
	MainVersion  string           `json:"main_version"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// Get extracts the build information embedded at build time. Binaries
// built without module support report every field as unknown.
func Get() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			GoVersion:    "unknown",
			MainModule:   "unknown",
			MainVersion:  "unknown",
			Dependencies: []DependencyInfo{},
		}
	}

	build := &BuildInfo{
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		MainVersion:  mainVersion(info),
		Dependencies: make([]DependencyInfo, 0, len(info.Deps)),
	}
	for _, dep := range info.Deps {
		d := DependencyInfo{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			d.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		build.Dependencies = append(build.Dependencies, d)
	}
	sort.Slice(build.Dependencies, func(i, j int) bool {
		return build.Dependencies[i].Path < build.Dependencies[j].Path
	})
	return build
}

func mainVersion(info *debug.BuildInfo) string {
	if info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}

// Dependency returns the version of one dependency, or nil when the
// module is not linked in.
func Dependency(modulePath string) *DependencyInfo {
	for _, dep := range Get().Dependencies {
		if dep.Path == modulePath {
			d := dep
			return &d
		}
	}
	return nil
}
