// Package validate is a pure predicate over candidate byte strings: it
// decides whether a command is safe to hand to a session's shell, and, if
// not, classifies why. It holds no state and talks to nothing — callers
// persist the resulting SecurityEvent themselves.
package validate

import (
	"regexp"
	"strings"

	"github.com/noxterm/noxterm/internal/store"
)

// Result is the outcome of validating a candidate input.
type Result struct {
	Safe           bool
	Severity       store.Severity
	Reason         string
	BlockedPattern string
}

// blockedCommands are destructive commands blocked by case-insensitive
// substring containment, carried verbatim (in semantics) from the
// original service's blocklist (security.rs's
// `input_lower.contains(*blocked)`).
var blockedCommands = map[string]string{
	"rm -rf /":                      "recursive delete of root filesystem",
	"rm -rf /*":                     "recursive delete of root filesystem",
	"rm -fr /":                      "recursive delete of root filesystem",
	"rm -fr /*":                     "recursive delete of root filesystem",
	"dd if=/dev/zero of=/dev/sda":   "raw disk overwrite",
	"mkfs":                          "filesystem format",
	"mkfs.ext4 /dev/sda":            "filesystem format of primary disk",
	":(){ :|:& };:":                 "fork bomb",
	"echo c > /proc/sysrq-trigger":  "kernel crash trigger",
	"nsenter":                       "container namespace escape",
	"docker exec":                   "nested container control",
	"docker run --privileged":       "privileged container escape",
	"mount /dev/sda":                "raw disk mount",
}

type patternClass struct {
	re          *regexp.Regexp
	description string
	severity    store.Severity
}

// dangerousPatterns mirrors security.rs's DANGEROUS_PATTERNS families:
// fork bombs, destructive dd/mkfs, reverse shells, container escape,
// kernel manipulation, cron persistence, ssh-key injection, and
// system-file tampering.
var dangerousPatterns = []patternClass{
	{regexp.MustCompile(`:\(\)\s*\{[^}]*\|[^}]*&\s*\}\s*;\s*:`), "fork bomb", store.SeverityCritical},
	{regexp.MustCompile(`rm\s+-[rRfF]{2}\s+/\s*\*?$`), "recursive delete of root", store.SeverityCritical},
	{regexp.MustCompile(`dd\s+if=.*of=/dev/(sd|hd|nvme|vd)`), "raw device overwrite", store.SeverityCritical},
	{regexp.MustCompile(`bash\s+-i\s*>&\s*/dev/tcp/`), "reverse shell (bash)", store.SeverityCritical},
	{regexp.MustCompile(`/dev/(tcp|udp)/`), "reverse shell device redirection", store.SeverityCritical},
	{regexp.MustCompile(`nc(at)?\s+.*-e\s`), "reverse shell (netcat)", store.SeverityCritical},
	{regexp.MustCompile(`python[0-9.]*\s+-c\s+.*socket\.`), "reverse shell (python socket)", store.SeverityCritical},
	{regexp.MustCompile(`perl\s+-e\s+.*Socket`), "reverse shell (perl socket)", store.SeverityCritical},
	{regexp.MustCompile(`nsenter\s+.*--target\s+1\b`), "container escape via nsenter", store.SeverityCritical},
	{regexp.MustCompile(`docker\s+run\s+.*--privileged`), "privileged container escape", store.SeverityCritical},
	{regexp.MustCompile(`mount\s+.*\bproc\b`), "proc remount escape attempt", store.SeverityWarning},
	{regexp.MustCompile(`/proc/\d+/(root|ns)\b`), "container namespace access", store.SeverityCritical},
	{regexp.MustCompile(`/proc/sysrq-trigger`), "kernel crash trigger", store.SeverityCritical},
	{regexp.MustCompile(`echo\s+\w+\s*>\s*/proc/`), "kernel parameter injection", store.SeverityWarning},
	{regexp.MustCompile(`crontab\s+-`), "cron persistence", store.SeverityWarning},
	{regexp.MustCompile(`>>?\s*/etc/cron`), "cron persistence", store.SeverityWarning},
	{regexp.MustCompile(`\.ssh/authorized_keys`), "ssh key injection", store.SeverityCritical},
	{regexp.MustCompile(`/etc/(passwd|shadow|sudoers)\b`), "system account file modification", store.SeverityCritical},
	{regexp.MustCompile(`chmod\s+777\s+/`), "world-writable permission grant", store.SeverityWarning},
	{regexp.MustCompile(`chown\s+root\b`), "ownership escalation", store.SeverityWarning},
}

// pathTraversalPatterns detects directory-escape attempts, including
// URL-encoded and null-byte variants.
var pathTraversalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`\.\.\\`),
	regexp.MustCompile(`%2e%2e%2f`),
	regexp.MustCompile(`%2e%2e/`),
	regexp.MustCompile(`\.\.%2f`),
	regexp.MustCompile(`\x00`),
}

// Command validates a shell command candidate (spec S6, security.rs).
func Command(input string) Result {
	trimmed := strings.TrimSpace(input)
	lower := strings.ToLower(trimmed)

	for blocked, reason := range blockedCommands {
		if strings.Contains(lower, blocked) {
			return Result{Safe: false, Severity: store.SeverityCritical, Reason: reason, BlockedPattern: blocked}
		}
	}

	for _, p := range dangerousPatterns {
		if p.re.MatchString(input) {
			return Result{Safe: false, Severity: p.severity, Reason: p.description, BlockedPattern: p.re.String()}
		}
	}

	if tr := Path(input); !tr.Safe {
		return tr
	}

	return Result{Safe: true, Severity: store.SeveritySafe}
}

// Path validates a filesystem path candidate for traversal attempts.
func Path(input string) Result {
	for _, p := range pathTraversalPatterns {
		if p.MatchString(input) {
			return Result{
				Safe:           false,
				Severity:       store.SeverityWarning,
				Reason:         "path traversal attempt",
				BlockedPattern: p.String(),
			}
		}
	}
	return Result{Safe: true, Severity: store.SeveritySafe}
}
