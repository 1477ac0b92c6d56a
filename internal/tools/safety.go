package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathGuard restricts file-tool access. With no allowed roots configured,
// a fixed set of sensitive system paths is denied; with roots configured,
// only paths under those roots are allowed.
type PathGuard struct {
	AllowedRoots []string
}

// restrictedPrefixes deny system and credential paths regardless of
// configuration.
var restrictedPrefixes = []string{
	"/etc",
	"/root",
	"/boot",
	"/proc",
	"/sys",
	"/var/run",
	"/usr/bin",
	"/usr/sbin",
}

// Check resolves the path and returns the cleaned absolute form, or an
// error when it is outside the permitted area.
func (g *PathGuard) Check(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	if home, err := os.UserHomeDir(); err == nil {
		if under(abs, filepath.Join(home, ".ssh")) {
			return "", fmt.Errorf("path %q is restricted", path)
		}
	}
	for _, p := range restrictedPrefixes {
		if under(abs, p) {
			return "", fmt.Errorf("path %q is restricted", path)
		}
	}

	if len(g.AllowedRoots) > 0 {
		for _, root := range g.AllowedRoots {
			if rootAbs, err := filepath.Abs(root); err == nil && under(abs, rootAbs) {
				return abs, nil
			}
		}
		return "", fmt.Errorf("path %q is outside the allowed roots", path)
	}
	return abs, nil
}

func under(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// CommandGuard denies shell commands matching destructive patterns.
type CommandGuard struct{}

var deniedCommandPatterns = []string{
	"rm -rf /",
	"rm -fr /",
	"mkfs",
	"dd if=",
	"shutdown",
	"reboot",
	"halt",
	":(){",
	"> /dev/sd",
	"chmod -R 777 /",
	"curl | sh",
	"wget | sh",
}

// Check returns an error when the command matches the denylist.
func (CommandGuard) Check(command string) error {
	lowered := strings.ToLower(strings.Join(strings.Fields(command), " "))
	for _, p := range deniedCommandPatterns {
		if strings.Contains(lowered, p) {
			return fmt.Errorf("command matches denied pattern %q", p)
		}
	}
	return nil
}

// EnvGuard filters sensitive environment variables out of env-tool output.
type EnvGuard struct{}

var sensitiveEnvMarkers = []string{"KEY", "SECRET", "TOKEN", "PASSWORD", "CREDENTIAL", "PSK"}

// Sensitive reports whether the variable name looks like credential
// material.
func (EnvGuard) Sensitive(name string) bool {
	upper := strings.ToUpper(name)
	for _, m := range sensitiveEnvMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}
