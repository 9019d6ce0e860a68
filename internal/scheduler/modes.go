package scheduler

import "strings"

// Mode decides what happens when a message arrives for a session that
// already has a run in flight.
type Mode string

const (
	// ModeInterrupt aborts the active run and starts a fresh one with the
	// new message as sole input.
	ModeInterrupt Mode = "interrupt"
	// ModeSteer injects the new message into the active run as a mid-run
	// user turn. Falls back to followup when the run can't take it.
	ModeSteer Mode = "steer"
	// ModeFollowup queues the message; when the active run finishes, a new
	// run starts with the queued messages concatenated.
	ModeFollowup Mode = "followup"
	// ModeCollect queues like followup but delivers history and current
	// message as explicitly labelled sections of one composite prompt.
	ModeCollect Mode = "collect"
)

const backlogPrefix = "backlog-"

// ParseMode validates a configured queue mode string, accepting the four
// base modes and their backlog- variants. Unknown strings report ok=false.
func ParseMode(s string) (Mode, bool) {
	base := strings.TrimPrefix(s, backlogPrefix)
	switch Mode(base) {
	case ModeInterrupt, ModeSteer, ModeFollowup, ModeCollect:
		return Mode(s), true
	}
	return "", false
}

// Base strips the backlog- prefix, returning the underlying mode.
func (m Mode) Base() Mode {
	return Mode(strings.TrimPrefix(string(m), backlogPrefix))
}

// IsBacklog reports whether messages that arrived while the session's last
// run was aborted should be replayed ahead of new input.
func (m Mode) IsBacklog() bool {
	return strings.HasPrefix(string(m), backlogPrefix)
}

// Collect prompt section labels. The history section is context only;
// ComposeCollect copies both sections verbatim and strips no directives.
const (
	collectHistoryLabel = "[Chat messages since your last reply - for context]"
	collectCurrentLabel = "[Current message - respond to this]"
)

// ComposeCollect builds the composite prompt for collect mode: buffered
// history under one label, the triggering message under another.
func ComposeCollect(history []string, current string) string {
	if len(history) == 0 {
		return current
	}
	var sb strings.Builder
	sb.WriteString(collectHistoryLabel)
	sb.WriteByte('\n')
	for _, h := range history {
		sb.WriteString(h)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(collectCurrentLabel)
	sb.WriteByte('\n')
	sb.WriteString(current)
	return sb.String()
}
