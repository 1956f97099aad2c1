// Package audithook is a renderq extension that writes job lifecycle
// events to an audit trail.
//
// Each hook emits a structured [AuditEvent] through a [Recorder]: info for
// normal transitions, warning for failures and admin retries, critical for
// reaper timeouts. When the request context carries a renderq.Actor (user
// and admin operations through the api package) the event names it.
//
//	eng, err := engine.Build(s,
//	    engine.WithExtension(audithook.New(audithook.LogRecorder(auditLogger))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(audithook.ActionJobCancelled, audithook.ActionJobRetried),
//	)
package audithook
