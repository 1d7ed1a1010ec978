// Package broadcast implements the paced, resumable broadcast dispatcher.
//
// A broadcast is a Job: a fixed, ordered list of Targets loaded once from a
// TargetProvider, delivered one at a time through a Deliverer.
//
// Pacing
//
// Sends are deliberately slow. Before every send the job waits a short random
// jitter; between sends it waits a random delay; every BatchSize sends it
// rests for a fixed, longer period instead. All of this is computed by the
// RateController and every wait is split into ticks so a pending cancel is
// noticed within about one tick.
//
// Lifecycle
//
//	Idle ──Start──▶ Running ◀──▶ Resting
//	                 │    ▲
//	          cancel │    │ Resume
//	                 ▼    │
//	                Paused
//	Running ──queue exhausted──▶ Completed (terminal)
//
// Cancellation is a flag observed at checkpoints; an in-flight delivery always
// finishes. A paused job resumes from its cursor. Targets already counted are
// never replayed within the same job.
//
// Observation
//
// Outside code sees job state only through Snapshot values, either pulled via
// Job.Snapshot or pushed to an Observer on every state change.
//
// Service keeps a registry of jobs and runs them on a supervisor so that
// operator surfaces (HTTP, Telegram, scheduler) can share them.
package broadcast
