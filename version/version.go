// Package version extracts build and dependency information for the
// version report.
package version

import (
	"os"
	"runtime/debug"
	"sort"
	"strings"
)

// modulePath is this module's path inside build info.
const modulePath = "bulkblock.org"

// envOverride lets deployments pin the reported version regardless of how
// the binary was built.
const envOverride = "BULKBLOCK_VERSION"

// versionFile is read as a fallback when the binary carries no module
// version, which is the case for plain "go build" working-tree builds.
const versionFile = "VERSION"

// DependencyInfo represents one module dependency and its version.
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo contains build-time information.
type BuildInfo struct {
	GoVersion    string           `json:"goVersion"`
	MainModule   string           `json:"mainModule"`
	MainVersion  string           `json:"mainVersion"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// GetBuildInfo extracts module information embedded at build time.
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			GoVersion:    "unknown",
			MainModule:   "unknown",
			MainVersion:  "unknown",
			Dependencies: []DependencyInfo{},
		}
	}

	buildInfo := &BuildInfo{
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		MainVersion:  info.Main.Version,
		Dependencies: make([]DependencyInfo, 0, len(info.Deps)),
	}

	for _, dep := range info.Deps {
		depInfo := DependencyInfo{
			Path:    dep.Path,
			Version: dep.Version,
		}
		if dep.Replace != nil {
			depInfo.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		buildInfo.Dependencies = append(buildInfo.Dependencies, depInfo)
	}

	sort.Slice(buildInfo.Dependencies, func(i, j int) bool {
		return buildInfo.Dependencies[i].Path < buildInfo.Dependencies[j].Path
	})

	return buildInfo
}

// Get returns the tool version. Resolution order: the BULKBLOCK_VERSION
// environment variable, the version stamped into the binary, a VERSION file
// next to the working directory, then "dev".
func Get() string {
	if v := os.Getenv(envOverride); v != "" {
		return v
	}

	if info, ok := debug.ReadBuildInfo(); ok && info.Path == modulePath {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}

	if data, err := os.ReadFile(versionFile); err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v
		}
	}
	return "dev"
}

// GetDependency returns version information for a specific dependency.
func GetDependency(path string) *DependencyInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}

	for _, dep := range info.Deps {
		if dep.Path == path {
			depInfo := &DependencyInfo{
				Path:    dep.Path,
				Version: dep.Version,
			}
			if dep.Replace != nil {
				depInfo.Replace = dep.Replace.Path + "@" + dep.Replace.Version
			}
			return depInfo
		}
	}
	return nil
}
