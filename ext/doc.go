// Package ext defines the extension system for haul.
//
// Extensions are notified of lifecycle events and can react to them:
// recording metrics, writing audit logs, feeding analytics. Each hook is a
// separate interface so extensions opt in only to the events they care
// about. Hook errors are logged and never change the engine's outcome.
//
// # Implementing an Extension
//
//	type Audit struct{}
//
//	func (a *Audit) Name() string { return "audit" }
//
//	func (a *Audit) OnBroadcastTerminal(ctx context.Context, r *broadcast.Request) error {
//	    log.Printf("request %s ended %s", r.ID, r.State)
//	    return nil
//	}
//
// # Hooks
//
//   - [BroadcastCreated], [StepCompleted], [AssignmentCreated],
//     [AcceptRejected], [BroadcastTerminal]
//   - [TimerCompleted], [TimerFailed], [TimerAbandoned]
//   - [PresenceChanged], [EventDropped], [Shutdown]
package ext
