// Package audithook is a haul extension that bridges matching lifecycle
// events to an immutable audit trail backend.
//
// Every broadcast, acceptance, timer and presence hook emits a structured
// audit event through the [Recorder] interface. The extension assigns
// severity levels (info for normal operations, warning for rejected accepts
// and retried timers, critical for abandoned timers and dropped events) and
// metadata such as the request state, truck counts and errors.
//
// # Usage
//
//	audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	    return trail.Append(ctx, evt)
//	}))
//
// [NewLogRecorder] writes events to a slog.Logger and is what the server
// binary uses when no other backend is configured.
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionAssignmentCreated,
//	        audithook.ActionBroadcastTerminal,
//	        audithook.ActionTimerAbandoned,
//	    ),
//	)
package audithook
