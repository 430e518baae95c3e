// Package scheduler runs the register's periodic background work on gocron.
//
// Every job runs in singleton mode: if a run is still in flight when the
// next tick fires, that tick is skipped rather than queued. Jobs receive a
// context that is cancelled when the scheduler stops.
//
//	s := scheduler.New(logger)
//	_ = s.Add(scheduler.JobOrderSync, time.Minute, scheduler.OrderSyncJob(engine, logger))
//	s.Start()
//	defer s.Stop()
package scheduler
