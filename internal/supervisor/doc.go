// Package supervisor owns the lifecycle of the single inference worker. It
// spawns the worker on Start, waits for it to report healthy, terminates it on
// Stop and derives ServerStatus from the held process plus a live probe. The
// worker's captured output is persisted per run and fanned out to live
// subscribers through a LogBroker.
package supervisor
