package memory

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/pearlhq/pearl/internal/logger"
	"github.com/pearlhq/pearl/internal/store"
)

// ValidatorMode selects what happens when the assistant claims to have
// remembered something but no memory was stored.
type ValidatorMode string

const (
	ModeAutoFix ValidatorMode = "auto_fix"
	ModeWarn    ValidatorMode = "warn"
	ModeLogOnly ValidatorMode = "log_only"
)

// claimPatterns match assistant statements asserting that something was
// committed to memory.
var claimPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bi(?:'ll| will) remember\b(.{0,160})`),
	regexp.MustCompile(`(?i)\bi(?:'ve| have) (?:noted|saved|stored|recorded)\b(.{0,160})`),
	regexp.MustCompile(`(?i)\bnoted[!.]?\s*(.{0,160})`),
	regexp.MustCompile(`(?i)\bsaved (?:that |this )?to (?:my )?memory\b(.{0,160})`),
	regexp.MustCompile(`(?i)\bi(?:'ll| will) (?:keep|make) a note\b(.{0,160})`),
}

// exclusionPatterns suppress false positives: questions about remembering,
// capability disclaimers, past-tense discussion, and technical memory talk.
var exclusionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)do you (?:want me to )?remember`),
	regexp.MustCompile(`(?i)would you like me to remember`),
	regexp.MustCompile(`(?i)\bi (?:can'?t|cannot|don'?t|do not) (?:actually )?(?:remember|retain|store)\b`),
	regexp.MustCompile(`(?i)\bi (?:have no|don'?t have) (?:persistent )?memory\b`),
	regexp.MustCompile(`(?i)\bif i remembered\b`),
	regexp.MustCompile(`(?i)\b(memory (?:usage|leak|allocation|address|footprint)|out of memory|ram\b)`),
}

// falseClaimWarning is appended to responses in warn mode.
const falseClaimWarning = "Note: the assistant indicated it would remember this, but no memory was stored."

// recentWindow bounds how far back the validator looks for a memory that
// would substantiate the claim.
const recentWindow = 2 * time.Minute

// Validator guards against assistant responses that claim persistence which
// never happened.
type Validator struct {
	store  *store.Store
	mode   ValidatorMode
	logger *logger.Logger
}

// NewValidator creates a validator. An empty mode defaults to log_only.
func NewValidator(st *store.Store, mode ValidatorMode, log *logger.Logger) *Validator {
	if mode == "" {
		mode = ModeLogOnly
	}
	return &Validator{store: st, mode: mode, logger: log.WithComponent("validator")}
}

// DetectClaim reports whether the response claims to have remembered
// something, returning the claimed content when recoverable.
func DetectClaim(response string) (string, bool) {
	for _, exclusion := range exclusionPatterns {
		if exclusion.MatchString(response) {
			return "", false
		}
	}
	for _, claim := range claimPatterns {
		if m := claim.FindStringSubmatch(response); m != nil {
			claimed := ""
			if len(m) > 1 {
				claimed = strings.Trim(strings.TrimSpace(m[1]), ".!,:")
			}
			return claimed, true
		}
	}
	return "", false
}

// Validate checks an assistant response against the store. It returns a
// user-visible warning string in warn mode; empty otherwise. memoriesStored
// is how many memories this request's extraction actually persisted.
func (v *Validator) Validate(ctx context.Context, agentID, sessionID, response string, memoriesStored int) (string, error) {
	claimed, isClaim := DetectClaim(response)
	if !isClaim || memoriesStored > 0 {
		return "", nil
	}

	// A memory created moments ago (by a concurrent request or the out-of-band
	// extractor) substantiates the claim.
	recent, err := v.store.Query(ctx, store.QueryOptions{
		AgentID: agentID,
		OrderBy: store.OrderByCreatedAt,
		Limit:   1,
	})
	if err != nil {
		return "", err
	}
	if len(recent) > 0 && time.Since(recent[0].CreatedAt) < recentWindow {
		return "", nil
	}

	v.logger.Warn("assistant claimed persistence without a stored memory",
		"agent_id", agentID,
		"session_id", sessionID,
		"mode", string(v.mode),
	)

	switch v.mode {
	case ModeAutoFix:
		if claimed == "" {
			return "", nil
		}
		memory := &store.Memory{
			AgentID:       agentID,
			Type:          store.TypeFact,
			Content:       normalizeThirdPerson(claimed),
			Confidence:    0.5,
			SourceSession: sessionID,
			Scope:         store.ScopeAgent,
			TargetAgentID: agentID,
		}
		if err := v.store.Create(ctx, memory); err != nil {
			return "", err
		}
		v.logger.Info("auto-fixed false persistence claim", "memory_id", memory.ID)
		return "", nil

	case ModeWarn:
		return falseClaimWarning, nil

	default:
		return "", nil
	}
}
