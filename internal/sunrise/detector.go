// Package sunrise restores conversational context after a gap: it detects
// that a session went cold, summarizes the recent transcript, and injects
// the summary into the next request, at most once per session.
package sunrise

import (
	"sync"
	"time"

	"github.com/pearlhq/pearl/internal/logger"
	"github.com/pearlhq/pearl/internal/transcript"
)

// Detection reasons.
const (
	ReasonForced           = "forced"
	ReasonAlreadyRecovered = "already_recovered"
	ReasonNewSession       = "new_session"
	ReasonGap              = "gap"
	ReasonError            = "error"
)

// Detection is the detector verdict for one request.
type Detection struct {
	NeedsRecovery bool
	Reason        string
}

// Detector decides whether a session needs recovery. It tracks which
// sessions were already recovered so injection happens at most once.
type Detector struct {
	log          *transcript.Log
	gapThreshold time.Duration

	mu        sync.Mutex
	recovered map[string]struct{}

	logger *logger.Logger
}

// NewDetector creates a detector over the transcript log.
func NewDetector(log *transcript.Log, gapThreshold time.Duration, l *logger.Logger) *Detector {
	return &Detector{
		log:          log,
		gapThreshold: gapThreshold,
		recovered:    make(map[string]struct{}),
		logger:       l.WithComponent("sunrise-detector"),
	}
}

func sessionKey(agentID, sessionID string) string {
	return agentID + "\x00" + sessionID
}

// Detect returns whether this request needs recovery. Transcript read
// failures default to recovery: injecting a summary on a healthy session is
// cheaper than losing context on a broken one.
func (d *Detector) Detect(agentID, sessionID string, force bool) Detection {
	if force {
		return Detection{NeedsRecovery: true, Reason: ReasonForced}
	}

	d.mu.Lock()
	_, done := d.recovered[sessionKey(agentID, sessionID)]
	d.mu.Unlock()
	if done {
		return Detection{NeedsRecovery: false, Reason: ReasonAlreadyRecovered}
	}

	if !d.log.Exists(agentID, sessionID) {
		return Detection{NeedsRecovery: true, Reason: ReasonNewSession}
	}

	last, err := d.log.LastTimestamp(agentID, sessionID)
	if err != nil {
		d.logger.Warn("transcript read failed, assuming recovery needed",
			"agent_id", agentID, "session_id", sessionID, "error", err)
		return Detection{NeedsRecovery: true, Reason: ReasonError}
	}

	if !last.IsZero() && time.Since(last) > d.gapThreshold {
		return Detection{NeedsRecovery: true, Reason: ReasonGap}
	}

	return Detection{NeedsRecovery: false}
}

// MarkRecovered records that the session received its summary.
func (d *Detector) MarkRecovered(agentID, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recovered[sessionKey(agentID, sessionID)] = struct{}{}
}
