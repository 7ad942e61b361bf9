package memory

import (
	"regexp"
	"strings"

	"github.com/pearlhq/pearl/internal/store"
)

// ScopeResult is the outcome of scope detection for a piece of content.
type ScopeResult struct {
	Scope         store.Scope
	Confidence    float64
	TargetAgentID string
	Reasoning     string
}

var (
	globalMarkerPattern = regexp.MustCompile(`(?i)^\s*(for all agents|for every agent|globally|for everyone)\s*[:,]`)
	agentMarkerPattern  = regexp.MustCompile(`(?i)^\s*for (?:agent )?([a-z0-9_-]+)\s*:`)
)

// DetectScope decides who a memory applies to. Explicit markers in the
// content override the channel mapping; without either, the channel's agent
// is used as an inferred scope.
func DetectScope(content, channelAgentID string) ScopeResult {
	if globalMarkerPattern.MatchString(content) {
		return ScopeResult{
			Scope:      store.ScopeGlobal,
			Confidence: 0.95,
			Reasoning:  "explicit global marker",
		}
	}

	if m := agentMarkerPattern.FindStringSubmatch(content); m != nil {
		target := strings.ToLower(m[1])
		// "for all:" is handled above; skip pronouns that are not agent names.
		if target != "all" && target != "everyone" {
			return ScopeResult{
				Scope:         store.ScopeAgent,
				Confidence:    0.95,
				TargetAgentID: target,
				Reasoning:     "explicit agent marker",
			}
		}
	}

	if channelAgentID != "" {
		return ScopeResult{
			Scope:         store.ScopeAgent,
			Confidence:    0.8,
			TargetAgentID: channelAgentID,
			Reasoning:     "channel mapping",
		}
	}

	return ScopeResult{
		Scope:      store.ScopeInferred,
		Confidence: 0.5,
		Reasoning:  "no marker or channel mapping",
	}
}
