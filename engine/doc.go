// Package engine is the renderq coordinator. It owns no state of its own:
// every decision is read from and written to the shared store, so any
// number of engines may serve the same queue.
//
// # Building an Engine
//
//	s := postgres.NewFromPool(pool)
//	res, _ := local.New("/var/lib/renderq/results")
//
//	eng, err := engine.Build(s,
//	    engine.WithConfig(cfg),
//	    engine.WithStorage(res),
//	    engine.WithExtension(broker),
//	    engine.WithLogger(logger),
//	)
//	eng.Start(ctx) // launches the reaper
//	defer eng.Stop(ctx)
//
// # User operations
//
//   - [Engine.Submit] runs the admission controller and inserts a queued job
//   - [Engine.GetJob], [Engine.QueuePosition], [Engine.ListUserJobs]
//   - [Engine.Cancel] for the owner or an admin
//   - [Engine.Quota] and [Engine.OpenResult]
//
// # Worker operations
//
//   - [Engine.Heartbeat] refreshes liveness
//   - [Engine.Claim] pulls the head of the queue, or nil
//   - [Engine.ReportStatus] acknowledges or fails a held job
//   - [Engine.UploadResult] stores the image, completes the job and debits
//     the owner's quota
//
// # Admin operations
//
// [Engine.Stats], [Engine.ListJobs], [Engine.Retry], [Engine.ListWorkers]
// and [Engine.DeleteWorker] require an admin actor.
//
// Every lifecycle change is reported to the registered extensions. The
// observability metrics extension is always registered.
package engine
