package serial

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/noidhq/noid/noiderr"
)

// envNamePattern matches the POSIX shell variable name grammar spec.md
// §4.6 requires: a leading letter or underscore, then letters, digits, or
// underscores.
var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// shellSafeArg matches characters an argv element may carry unescaped,
// per spec.md §4.6's "shell escaping of the command" rule.
var shellSafeArg = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// ValidEnvName reports whether name is a legal shell variable identifier.
func ValidEnvName(name string) bool {
	return envNamePattern.MatchString(name)
}

// ShellQuote returns s unchanged when it is non-empty and every character
// is in the shell-safe set; otherwise it wraps s in single quotes, escaping
// any embedded single quote as '\'' — the same strategy as
// original_source's exec.rs::shell_escape, applied here to both command
// arguments and environment values.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafeArg.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// JoinArgv renders argv as a single POSIX shell command line, quoting every
// argument that needs it.
func JoinArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// ExportLine renders a single `export NAME=value` line for env scoping, per
// spec.md §4.6. Returns ErrInvalidArgument if name is not a legal
// identifier.
func ExportLine(name, value string) (string, error) {
	if !ValidEnvName(name) {
		return "", fmt.Errorf("invalid environment variable name %q: %w", name, noiderr.ErrInvalidArgument)
	}
	return fmt.Sprintf("export %s=%s", name, ShellQuote(value)), nil
}
