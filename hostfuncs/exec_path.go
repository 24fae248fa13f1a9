package hostfuncs

import (
	"path/filepath"
	"strings"

	"github.com/wasmproxy/wasmproxy/domain/errors"
)

// SystemExecName reduces a guest-supplied executable path to its final
// component so the process is looked up on the system search path only.
// Paths with no usable final component are refused.
//
//	"/usr/bin/evil; rm -rf" -> "evil; rm -rf"
//	"../.."                 -> refused
func SystemExecName(execPath string) (string, error) {
	if strings.ContainsRune(execPath, 0) {
		return "", &errors.SecurityError{Reason: "nul byte in executable path", Value: execPath}
	}

	name := getBasename(execPath)
	switch name {
	case "", ".", "..":
		return "", &errors.SecurityError{Reason: "no file name in executable path", Value: execPath}
	}
	return name, nil
}

// PluginExecPath resolves a guest-supplied executable path inside the
// plugin's installation directory. Paths that would leave dir are refused.
func PluginExecPath(dir, execPath string) (string, error) {
	rel, err := LocalPath(execPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, rel), nil
}

// LocalPath validates a guest-supplied path relative to a plugin directory.
// A leading separator is read as the sandbox root, matching the guest's view
// of its filesystem.
func LocalPath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", &errors.SecurityError{Reason: "nul byte in path", Value: p}
	}
	rel := filepath.FromSlash(strings.TrimLeft(p, `/\`))
	if rel == "" || !filepath.IsLocal(rel) {
		return "", &errors.SecurityError{Reason: "path escapes plugin directory", Value: p}
	}
	return filepath.Clean(rel), nil
}

// getBasename extracts the final component, treating both separators as
// directory boundaries and ignoring trailing ones.
func getBasename(p string) string {
	p = strings.TrimRight(p, `/\`)
	if idx := strings.LastIndexAny(p, `/\`); idx >= 0 {
		return p[idx+1:]
	}
	return p
}
