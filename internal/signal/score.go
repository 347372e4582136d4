package signal

import (
	"path"
	"strings"

	"boundary-deception/internal/asset"
)

// Score rates how unambiguously in matches d's trigger conditions.
// An interaction type outside the vocabulary scores 0. A constrained port,
// path or principal that the interaction lacks or contradicts makes the
// interaction ambiguous. A full match scores max(min_confidence, Threshold).
func Score(d *asset.Descriptor, in asset.Interaction) float64 {
	tc := d.TriggerConditions
	if !tc.Matches(in.Type) {
		return 0
	}

	if len(tc.Ports) > 0 && !matchPort(tc.Ports, in.Port) {
		return ambiguousScore
	}
	if len(tc.Paths) > 0 && !matchPath(tc.Paths, in.Path) {
		return ambiguousScore
	}
	if len(tc.Principals) > 0 && !matchPrincipal(tc.Principals, in.Principal) {
		return ambiguousScore
	}

	score := tc.MinConfidence
	if score < Threshold {
		score = Threshold
	}
	if score > 1 {
		score = 1
	}
	return score
}

func matchPort(ports []int, port int) bool {
	if port == 0 {
		return false
	}
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

// matchPath accepts exact paths and path.Match patterns.
func matchPath(patterns []string, p string) bool {
	if p == "" {
		return false
	}
	for _, pattern := range patterns {
		if pattern == p {
			return true
		}
		if ok, err := path.Match(pattern, p); err == nil && ok {
			return true
		}
	}
	return false
}

func matchPrincipal(principals []string, principal string) bool {
	if principal == "" {
		return false
	}
	for _, p := range principals {
		if strings.EqualFold(p, principal) {
			return true
		}
	}
	return false
}
