// Package renderq coordinates a pool of independent GPU workers pulling
// image-generation jobs from a shared, persisted queue.
//
// The root package holds what every subsystem shares: the error taxonomy,
// [Config], and the [Actor] carried through request contexts. The moving
// parts live in sub-packages:
//
//   - job: the Job entity, its state machine and store contract
//   - cluster: worker liveness derived from heartbeats
//   - quota: the per-user daily allowance ledger
//   - admission: the submission gate
//   - reaper: the periodic sweep that fails timed-out jobs
//   - engine: the facade that wires them together
//
// # Quick Start
//
//	s := memory.New()
//	eng, err := engine.Build(s, engine.WithConfig(renderq.DefaultConfig()))
//	if err != nil { ... }
//	res, err := eng.Submit(ctx, renderq.Actor{UserID: "42", TrustLevel: 2}, job.Params{Prompt: "a fox"})
//
// Workers then call Claim, Heartbeat, ReportStatus and UploadResult, either
// in-process or through the api package.
//
// The store is the only coordination point. Any number of API processes and
// workers may run against one store; the claim operation is atomic at the
// storage layer, never behind an in-process mutex.
package renderq
