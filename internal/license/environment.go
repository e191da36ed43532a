package license

import "fmt"

// EnvironmentPolicy decides what a mismatching environment hash does.
type EnvironmentPolicy string

// Environment policies.
const (
	EnvironmentWarn    EnvironmentPolicy = "warn"
	EnvironmentEnforce EnvironmentPolicy = "enforce"
	EnvironmentIgnore  EnvironmentPolicy = "ignore"
)

// ParseEnvironmentPolicy parses s. An empty string selects EnvironmentWarn.
func ParseEnvironmentPolicy(s string) (EnvironmentPolicy, error) {
	switch p := EnvironmentPolicy(s); p {
	case "":
		return EnvironmentWarn, nil
	case EnvironmentWarn, EnvironmentEnforce, EnvironmentIgnore:
		return p, nil
	default:
		return "", fmt.Errorf("unknown environment policy %q (want warn, enforce or ignore)", s)
	}
}

// CheckEnvironment compares the environment hash pinned in t with current.
// Tokens without a pinned hash match every environment.
func CheckEnvironment(t *Token, current string) error {
	if t.EnvironmentHash == "" || t.EnvironmentHash == current {
		return nil
	}
	return &ChainError{Kind: KindEnvironmentMismatch, Expected: t.EnvironmentHash, Actual: current}
}
