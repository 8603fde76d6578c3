package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Policy is the host's own boundary, applied on top of what a module
// declares. It can only narrow a declaration.
type Policy struct {
	PolicyID string `json:"policy_id" yaml:"policy_id"`
	// MountDenylist holds host paths that may not be mounted, nor any path
	// above or below them.
	MountDenylist  []string `json:"mount_denylist" yaml:"mount_denylist"`
	ReadOnlyMounts bool     `json:"read_only_mounts" yaml:"read_only_mounts"`
	// NetworkAllowlist limits lookups to these domains. Empty allows any.
	NetworkAllowlist []string `json:"network_allowlist" yaml:"network_allowlist"`
	NetworkDenylist  []string `json:"network_denylist" yaml:"network_denylist"`
}

// DefaultPolicy returns the policy used when the host configures none.
func DefaultPolicy() *Policy {
	return &Policy{
		PolicyID:      "default",
		MountDenylist: []string{"/etc/shadow", "/etc/sudoers", "/proc", "/sys", "/dev"},
	}
}

// PolicyViolation records a refused operation.
type PolicyViolation struct {
	ViolationType string    `json:"violation_type"`
	Detail        string    `json:"detail"`
	Timestamp     time.Time `json:"timestamp"`
}

// CheckResult carries the enforcement decision.
type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// PolicyEnforcer checks operations against a policy and keeps a record of
// violations.
type PolicyEnforcer struct {
	mu         sync.Mutex
	policy     *Policy
	violations []PolicyViolation
	clock      func() time.Time
}

// NewPolicyEnforcer creates an enforcer. A nil policy uses DefaultPolicy.
func NewPolicyEnforcer(policy *Policy) *PolicyEnforcer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &PolicyEnforcer{policy: policy, clock: time.Now}
}

// WithClock overrides clock for testing.
func (e *PolicyEnforcer) WithClock(clock func() time.Time) *PolicyEnforcer {
	e.clock = clock
	return e
}

// CheckMount verifies a host path may be mounted.
func (e *PolicyEnforcer) CheckMount(hostPath string, write bool) CheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	clean := filepath.Clean(hostPath)
	for _, deny := range e.policy.MountDenylist {
		for _, d := range denyForms(deny) {
			if withinPath(clean, d) || withinPath(d, clean) {
				return e.deny("MOUNT_DENY", fmt.Sprintf("host path %s overlaps denied path %s", clean, deny))
			}
		}
	}
	if write && e.policy.ReadOnlyMounts {
		return e.deny("MOUNT_READONLY", fmt.Sprintf("writable mount of %s refused: host allows read-only mounts", clean))
	}
	return CheckResult{Allowed: true, Reason: "mount permitted"}
}

// CheckNetwork verifies a host name may be resolved.
func (e *PolicyEnforcer) CheckNetwork(host string) CheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, deny := range e.policy.NetworkDenylist {
		if matchHost(host, deny) {
			return e.deny("NETWORK_DENY", fmt.Sprintf("host %s matches denylist entry %s", host, deny))
		}
	}
	if len(e.policy.NetworkAllowlist) == 0 {
		return CheckResult{Allowed: true, Reason: "no network allowlist"}
	}
	for _, allow := range e.policy.NetworkAllowlist {
		if matchHost(host, allow) {
			return CheckResult{Allowed: true, Reason: "within network allowlist"}
		}
	}
	return e.deny("NETWORK_NOT_ALLOWED", fmt.Sprintf("host %s not in network allowlist", host))
}

// RecordDenied records a violation decided elsewhere.
func (e *PolicyEnforcer) RecordDenied(kind, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deny(kind, detail)
}

// Violations returns all recorded violations.
func (e *PolicyEnforcer) Violations() []PolicyViolation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PolicyViolation, len(e.violations))
	copy(out, e.violations)
	return out
}

// deny must be called with mu held.
func (e *PolicyEnforcer) deny(kind, detail string) CheckResult {
	e.violations = append(e.violations, PolicyViolation{
		ViolationType: kind,
		Detail:        detail,
		Timestamp:     e.clock(),
	})
	return CheckResult{Allowed: false, Reason: detail}
}

// denyForms returns a denylist entry as written and, when it differs, with
// its symlinks resolved.
func denyForms(deny string) []string {
	clean := filepath.Clean(deny)
	if resolved, err := filepath.EvalSymlinks(clean); err == nil && resolved != clean {
		return []string{clean, resolved}
	}
	return []string{clean}
}

func withinPath(p, dir string) bool {
	if p == dir {
		return true
	}
	if dir == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(p, dir+string(filepath.Separator))
}

func matchHost(host, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}
