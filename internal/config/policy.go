package config

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/guestops/guest-pkgd/internal/logging"
)

var log = logging.L("config")

// Recognized update-policy keys. Any value other than "true" leaves the
// corresponding class of updates enabled.
const (
	keyDisableManagedUpdates  = "disable-managed-updates"
	keyDisableSecurityUpdates = "disable-security-updates"
)

// maxPolicyFileSize bounds how much of the policy file is read.
const maxPolicyFileSize = 10 * 1024

// UpdatePolicy holds the two automatic-update opt-out flags.
type UpdatePolicy struct {
	DisableManagedUpdates  bool
	DisableSecurityUpdates bool
}

// AllDisabled reports whether every class of automatic update is turned off.
func (p UpdatePolicy) AllDisabled() bool {
	return p.DisableManagedUpdates && p.DisableSecurityUpdates
}

// ReadUpdatePolicy parses the key=value policy file at path. A missing or
// unreadable file, or any malformed line, fails open: updates stay enabled.
func ReadUpdatePolicy(path string) UpdatePolicy {
	var policy UpdatePolicy

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("cannot read update policy, updates stay enabled", "path", path, "error", err)
		}
		return policy
	}
	defer f.Close()

	scanner := bufio.NewScanner(io.LimitReader(f, maxPolicyFileSize))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		enabled := strings.TrimSpace(value) == "true"
		switch strings.TrimSpace(key) {
		case keyDisableManagedUpdates:
			policy.DisableManagedUpdates = enabled
		case keyDisableSecurityUpdates:
			policy.DisableSecurityUpdates = enabled
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("error scanning update policy", "path", path, "error", err)
	}

	return policy
}
