package detection

import (
	"errors"
	"fmt"
	"strings"
)

// Agent action names the built-in rules react to.
const (
	ActionFileAccess    = "file_access"
	ActionProcessLaunch = "process_launch"
)

// Finding weights of the built-in rules.
const (
	// SensitivePathWeight is the score of a file access under a sensitive path.
	SensitivePathWeight = 60
	// MaliciousProcessWeight is the score of a known-bad process launch.
	MaliciousProcessWeight = 90
)

// ErrMetadataType is returned by a rule when a metadata field it reads has the wrong JSON type.
var ErrMetadataType = errors.New("unexpected metadata type")

// SensitivePathRule flags file access whose path contains one of the markers, case-insensitively.
type SensitivePathRule struct {
	markers []string
}

// NewSensitivePathRule creates the rule. Markers are lowercased; empty markers are ignored.
func NewSensitivePathRule(markers ...string) *SensitivePathRule {
	r := &SensitivePathRule{}
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			r.markers = append(r.markers, m)
		}
	}
	return r
}

// Name implements Rule.
func (r *SensitivePathRule) Name() string { return "sensitive_path" }

// Evaluate reads metadata "path" of file_access events.
func (r *SensitivePathRule) Evaluate(ev Event) (*Finding, error) {
	if ev.Action != ActionFileAccess {
		return nil, nil
	}
	path, ok, err := stringField(ev.Metadata, "path")
	if err != nil || !ok {
		return nil, err
	}
	lower := strings.ToLower(path)
	for _, m := range r.markers {
		if strings.Contains(lower, m) {
			return &Finding{Reason: "Access to " + m + " folder", Weight: SensitivePathWeight}, nil
		}
	}
	return nil, nil
}

// MaliciousProcessRule flags launches of known-bad executables, matched exactly by name.
type MaliciousProcessRule struct {
	names map[string]struct{}
}

// NewMaliciousProcessRule creates the rule for the given executable names.
func NewMaliciousProcessRule(names ...string) *MaliciousProcessRule {
	r := &MaliciousProcessRule{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			r.names[n] = struct{}{}
		}
	}
	return r
}

// Name implements Rule.
func (r *MaliciousProcessRule) Name() string { return "malicious_process" }

// Evaluate reads metadata "name" of process_launch events.
func (r *MaliciousProcessRule) Evaluate(ev Event) (*Finding, error) {
	if ev.Action != ActionProcessLaunch {
		return nil, nil
	}
	name, ok, err := stringField(ev.Metadata, "name")
	if err != nil || !ok {
		return nil, err
	}
	if _, bad := r.names[name]; bad {
		return &Finding{Reason: "Malicious process detected", Weight: MaliciousProcessWeight}, nil
	}
	return nil, nil
}

// Builtins returns the default rule set in its canonical registration order.
func Builtins(sensitivePaths, maliciousProcesses []string) []Rule {
	return []Rule{
		NewSensitivePathRule(sensitivePaths...),
		NewMaliciousProcessRule(maliciousProcesses...),
	}
}

// stringField reads metadata[key]. A missing or null key is not an error; any non-string value is.
func stringField(md map[string]any, key string) (string, bool, error) {
	v, ok := md[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("%w: metadata.%s is %T", ErrMetadataType, key, v)
	}
	return s, true, nil
}
