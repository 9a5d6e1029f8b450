// Package process owns the OS-level handle of a spawned worker. It starts the
// executable, captures its output line by line, reaps it when it exits and
// force-kills it on request. Liveness reported here is about the process
// itself, not about whether the worker answers requests.
package process
