package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionBroadcastCreated  = "broadcast.created"
	ActionStepCompleted     = "broadcast.step_completed"
	ActionBroadcastTerminal = "broadcast.terminal"
	ActionAssignmentCreated = "assignment.created"
	ActionAcceptRejected    = "assignment.accept_rejected"
	ActionTimerFailed       = "timer.failed"
	ActionTimerAbandoned    = "timer.abandoned"
	ActionPresenceChanged   = "presence.changed"
	ActionEventDropped      = "notify.event_dropped"
)

// Audit event categories group related actions.
const (
	CategoryBroadcast  = "haul.broadcast"
	CategoryAssignment = "haul.assignment"
	CategoryTimer      = "haul.timer"
	CategoryPresence   = "haul.presence"
	CategoryNotify     = "haul.notify"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceRequest    = "broadcast_request"
	ResourceAssignment = "assignment"
	ResourceTimer      = "timer"
	ResourceActor      = "actor"
	ResourceEvent      = "event"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionBroadcastCreated,
		ActionStepCompleted,
		ActionBroadcastTerminal,
		ActionAssignmentCreated,
		ActionAcceptRejected,
		ActionTimerFailed,
		ActionTimerAbandoned,
		ActionPresenceChanged,
		ActionEventDropped,
	}
}
