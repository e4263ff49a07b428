// Package policy enforces path, command, and endpoint allow-lists for tool
// handlers that touch I/O. Violations are typed values so callers can journal
// them and fail the step without unwinding.
package policy

import (
	"path/filepath"
	"strings"

	"github.com/corral-run/corral/pkg/contracts"
)

// Profile is the per-session I/O policy consulted by tool handlers.
type Profile struct {
	AllowedPaths     []string `json:"allowed_paths" yaml:"allowed_paths"`
	ReadonlyPaths    []string `json:"readonly_paths,omitempty" yaml:"readonly_paths"`
	WritablePaths    []string `json:"writable_paths,omitempty" yaml:"writable_paths"`
	AllowedEndpoints []string `json:"allowed_endpoints,omitempty" yaml:"allowed_endpoints"`
	AllowedCommands  []string `json:"allowed_commands,omitempty" yaml:"allowed_commands"`

	RequireApprovalForWrites bool `json:"require_approval_for_writes,omitempty" yaml:"require_approval_for_writes"`
}

func violationf(rule, format string, args ...any) error {
	return contracts.NewError(contracts.CodePolicyViolation, format, args...).
		WithData(map[string]any{"rule": rule})
}

// RuleOf extracts the violated rule name from a policy error, if any.
func RuleOf(err error) string {
	info := contracts.InfoOf(err)
	if info == nil || info.Data == nil {
		return ""
	}
	rule, _ := info.Data["rule"].(string)
	return rule
}

// resolvePath makes the path absolute and follows symlinks. A path whose file
// does not exist yet resolves its deepest existing ancestor so writes to new
// files are still contained.
var resolvePath = func(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	// Walk up until an existing ancestor resolves, then re-append the rest.
	dir, base := filepath.Split(filepath.Clean(abs))
	suffix := base
	for dir != "" && dir != string(filepath.Separator) {
		dir = filepath.Clean(dir)
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		var next string
		dir, next = filepath.Split(dir)
		suffix = filepath.Join(next, suffix)
	}
	return abs, nil
}

// containedIn reports whether resolved equals root or sits strictly inside
// it. The trailing separator keeps "/etc" from matching "/etc_backup".
func containedIn(resolved, root string) bool {
	root = filepath.Clean(root)
	if resolved == root {
		return true
	}
	return strings.HasPrefix(resolved, root+string(filepath.Separator))
}

func inAny(resolved string, roots []string) bool {
	for _, r := range roots {
		if containedIn(resolved, r) {
			return true
		}
	}
	return false
}

// CheckRead validates a read of path against the profile.
func (p *Profile) CheckRead(path string) error {
	resolved, err := resolvePath(path)
	if err != nil {
		return violationf("path", "cannot resolve %q: %v", path, err)
	}
	if isSensitive(resolved) {
		return violationf("sensitive_file", "access to sensitive file %s denied", resolved)
	}
	if len(p.AllowedPaths) == 0 || !inAny(resolved, p.AllowedPaths) {
		return violationf("path", "%s outside allowed paths", resolved)
	}
	return nil
}

// CheckWrite validates a write to path against the profile.
func (p *Profile) CheckWrite(path string) error {
	resolved, err := resolvePath(path)
	if err != nil {
		return violationf("path", "cannot resolve %q: %v", path, err)
	}
	if isSensitive(resolved) {
		return violationf("sensitive_file", "access to sensitive file %s denied", resolved)
	}
	if len(p.AllowedPaths) == 0 || !inAny(resolved, p.AllowedPaths) {
		return violationf("path", "%s outside allowed paths", resolved)
	}
	if inAny(resolved, p.ReadonlyPaths) {
		return violationf("readonly", "%s is read-only", resolved)
	}
	if len(p.WritablePaths) > 0 && !inAny(resolved, p.WritablePaths) {
		return violationf("writable", "%s not in writable paths", resolved)
	}
	return nil
}

// Filenames and suffixes that commonly carry secrets. Always denied, even
// inside allowed paths.
var sensitiveNames = []string{
	".env", ".envrc", ".netrc", ".npmrc", ".pgpass",
	"id_rsa", "id_ed25519", "id_ecdsa", "id_dsa",
	"credentials", ".htpasswd",
}

var sensitiveSuffixes = []string{
	".pem", ".key", ".p12", ".pfx", ".keystore",
}

func isSensitive(resolved string) bool {
	base := filepath.Base(resolved)
	lower := strings.ToLower(base)
	for _, n := range sensitiveNames {
		if lower == n || strings.HasPrefix(lower, n+".") {
			return true
		}
	}
	for _, s := range sensitiveSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	// Anything under a .ssh or .aws directory.
	for _, seg := range strings.Split(resolved, string(filepath.Separator)) {
		if seg == ".ssh" || seg == ".aws" || seg == ".gnupg" {
			return true
		}
	}
	return false
}
