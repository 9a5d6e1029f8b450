package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/seantiz/openscans/internal/model"
	"github.com/seantiz/openscans/internal/process"
	"github.com/seantiz/openscans/internal/store"
)

// Defaults for the readiness wait.
const (
	DefaultPort            uint16 = 8000
	DefaultStartupTimeout         = 10 * time.Second
	DefaultPollInterval           = 500 * time.Millisecond
	DefaultMaxPollInterval        = time.Second
)

var (
	// ErrStartupTimeout is returned by Start when the worker was spawned but
	// never reported healthy before the deadline. The worker is left running.
	ErrStartupTimeout = errors.New("worker did not become healthy before the startup deadline")

	// ErrWorkerExited is returned by Start when the worker exited during the
	// readiness wait.
	ErrWorkerExited = errors.New("worker exited before becoming healthy")
)

// Process is the OS-level handle of a running worker.
type Process interface {
	PID() int
	Alive() bool
	Done() <-chan struct{}
	ExitErr() error
	Terminate() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(spec process.Spec) (Process, error)
}

// ExecSpawner spawns real OS processes.
type ExecSpawner struct{}

// Spawn implements Spawner.
func (ExecSpawner) Spawn(spec process.Spec) (Process, error) {
	h, err := process.Spawn(spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Prober checks whether the worker answers its health endpoint.
type Prober interface {
	Probe(ctx context.Context, port uint16) (model.HealthInfo, error)
}

// Config holds the supervisor's fixed settings.
type Config struct {
	Port            uint16
	StartupTimeout  time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// Env is added to the worker's environment on top of HOST and PORT.
	Env []string
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = max(DefaultMaxPollInterval, c.PollInterval)
	}
	return c
}

// slot is the exclusive holder of the one worker process.
type slot struct {
	proc      Process
	runID     string
	path      string
	spawnedAt time.Time
	starting  atomic.Bool
	stopping  atomic.Bool
	ready     atomic.Bool
}

// Supervisor guarantees at most one worker process and exposes idempotent
// Start, Stop and Status. The mutex guards only reads and swaps of the slot;
// it is never held across a probe or the readiness wait.
type Supervisor struct {
	cfg     Config
	resolve Resolver
	spawner Spawner
	prober  Prober
	store   store.Store
	logger  *slog.Logger
	broker  *LogBroker
	starts  singleflight.Group
	wg      sync.WaitGroup

	mu       sync.Mutex
	slot     *slot
	draining *slot // taken by Stop, termination in progress
}

// New creates a supervisor with no worker running.
func New(cfg Config, resolve Resolver, spawner Spawner, prober Prober, s store.Store, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		resolve: resolve,
		spawner: spawner,
		prober:  prober,
		store:   s,
		logger:  logger,
		broker:  NewLogBroker(),
	}
}

// Broker returns the broker carrying live worker output.
func (s *Supervisor) Broker() *LogBroker {
	return s.broker
}

// Port returns the fixed port the worker listens on.
func (s *Supervisor) Port() uint16 {
	return s.cfg.Port
}

// HasWorker reports whether a worker process is currently held. It says
// nothing about whether the worker is healthy.
func (s *Supervisor) HasWorker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot != nil
}

// CurrentRun returns the ID of the run whose worker is held, or "" if none.
func (s *Supervisor) CurrentRun() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == nil {
		return ""
	}
	return s.slot.runID
}

// ReconcileRuns closes runs a previous daemon left open. Their workers are no
// longer supervised by anyone, so they are recorded as exited. It must be
// called before the first Start.
func (s *Supervisor) ReconcileRuns(ctx context.Context) error {
	n, err := s.store.CloseStaleRuns(ctx, "daemon restarted")
	if err != nil {
		return fmt.Errorf("reconcile worker runs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("closed runs left open by a previous daemon", "runs", n)
	}
	return nil
}

// Start spawns the worker if none is held and waits for it to become healthy.
// If a worker is already held it returns a fresh Status without spawning.
// Concurrent callers share a single start attempt and its result.
//
// The readiness wait is bounded by the startup timeout and is not cut short
// by ctx cancellation, so one impatient caller cannot fail the others.
func (s *Supervisor) Start(ctx context.Context) (model.ServerStatus, error) {
	v, err, _ := s.starts.Do("start", func() (any, error) {
		return s.start(context.WithoutCancel(ctx))
	})
	st, _ := v.(model.ServerStatus)
	return st, err
}

func (s *Supervisor) start(ctx context.Context) (model.ServerStatus, error) {
	s.mu.Lock()
	if held := s.slot; held != nil {
		s.mu.Unlock()
		startsTotal.WithLabelValues(startAttached).Inc()
		st := s.Status(ctx)
		// A worker that missed its startup deadline may have come up since.
		if st.Running && held.ready.CompareAndSwap(false, true) {
			workerUp.Set(1)
			s.updateRun(ctx, held.runID, model.RunReady, "")
			s.logger.Info("worker ready after startup deadline", "run_id", held.runID, "pid", held.proc.PID())
		}
		return st, nil
	}

	path, err := s.resolve()
	if err != nil {
		s.mu.Unlock()
		startsTotal.WithLabelValues(startSpawnError).Inc()
		s.logger.Error("resolve worker executable", "error", err)
		return s.stoppedStatus(), &process.SpawnError{Path: WorkerName, Err: err}
	}

	runID := model.NewID()
	proc, err := s.spawner.Spawn(process.Spec{
		Path:      path,
		Env:       s.workerEnv(),
		LogWriter: s.logWriter(runID),
	})
	if err != nil {
		s.mu.Unlock()
		startsTotal.WithLabelValues(startSpawnError).Inc()
		s.broker.Close(runID)
		s.logger.Error("spawn worker", "path", path, "error", err)
		return s.stoppedStatus(), err
	}

	sl := &slot{
		proc:      proc,
		runID:     runID,
		path:      path,
		spawnedAt: time.Now().UTC(),
	}
	sl.starting.Store(true)
	// The run row exists before the slot is visible, so a concurrent Stop or
	// the exit watcher always finds it.
	s.recordRun(ctx, sl)
	s.slot = sl
	s.mu.Unlock()

	s.logger.Info("worker spawned",
		"run_id", runID,
		"pid", proc.PID(),
		"path", path,
		"port", s.cfg.Port,
	)

	s.wg.Go(func() {
		s.watch(sl)
	})

	info, err := s.waitReady(ctx, sl)
	sl.starting.Store(false)
	if err != nil {
		if errors.Is(err, ErrWorkerExited) {
			startsTotal.WithLabelValues(startExited).Inc()
		} else {
			startsTotal.WithLabelValues(startTimeout).Inc()
			s.updateRun(ctx, runID, model.RunFailed, err.Error())
		}
		s.logger.Error("worker did not become ready", "run_id", runID, "pid", proc.PID(), "error", err)
		return s.statusFor(sl, model.HealthInfo{}, false), err
	}

	sl.ready.Store(true)
	elapsed := time.Since(sl.spawnedAt)
	readyDuration.Observe(elapsed.Seconds())
	startsTotal.WithLabelValues(startStarted).Inc()
	workerUp.Set(1)
	s.updateRun(ctx, runID, model.RunReady, "")
	s.logger.Info("worker ready",
		"run_id", runID,
		"pid", proc.PID(),
		"version", info.Version,
		"device", info.Device,
		"ready_ms", elapsed.Milliseconds(),
	)

	return s.statusFor(sl, info, true), nil
}

// waitReady polls the health endpoint with exponential backoff until it
// succeeds, the worker exits or the startup deadline passes.
func (s *Supervisor) waitReady(ctx context.Context, sl *slot) (model.HealthInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.PollInterval
	b.MaxInterval = s.cfg.MaxPollInterval
	b.MaxElapsedTime = s.cfg.StartupTimeout
	b.Reset()

	var (
		info     model.HealthInfo
		attempts int
	)
	op := func() error {
		attempts++
		select {
		case <-sl.proc.Done():
			return backoff.Permanent(ErrWorkerExited)
		default:
		}

		got, err := s.prober.Probe(ctx, s.cfg.Port)
		if err != nil {
			return err
		}
		info = got
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.logger.Debug("worker not ready",
			"run_id", sl.runID,
			"attempt", attempts,
			"retry_in_ms", next.Milliseconds(),
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	switch {
	case err == nil:
		return info, nil
	case errors.Is(err, ErrWorkerExited):
		if exitErr := sl.proc.ExitErr(); exitErr != nil {
			return model.HealthInfo{}, fmt.Errorf("%w: %v", ErrWorkerExited, exitErr)
		}
		return model.HealthInfo{}, ErrWorkerExited
	default:
		return model.HealthInfo{}, fmt.Errorf("%w (%s, %d probes): %v", ErrStartupTimeout, s.cfg.StartupTimeout, attempts, err)
	}
}

// Stop takes the worker out of the slot and force-kills it. Stopping with no
// worker held is a no-op. If the kill fails and the process is still alive it
// is put back so that a retry can reach it.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	sl := s.slot
	s.slot = nil
	if sl != nil {
		s.draining = sl
	}
	s.mu.Unlock()

	if sl == nil {
		stopsTotal.WithLabelValues(stopNoop).Inc()
		return nil
	}

	s.logger.Info("stopping worker", "run_id", sl.runID, "pid", sl.proc.PID())

	sl.stopping.Store(true)
	err := sl.proc.Terminate()

	s.mu.Lock()
	if s.draining == sl {
		s.draining = nil
	}
	if err != nil {
		sl.stopping.Store(false)
		if s.slot == nil && sl.proc.Alive() {
			s.slot = sl
		}
	}
	s.mu.Unlock()

	if err != nil {
		stopsTotal.WithLabelValues(stopFailed).Inc()
		s.logger.Error("terminate worker", "run_id", sl.runID, "pid", sl.proc.PID(), "error", err)
		return err
	}

	stopsTotal.WithLabelValues(stopTerminated).Inc()
	workerUp.Set(0)
	s.updateRun(context.WithoutCancel(ctx), sl.runID, model.RunStopped, "")
	s.logger.Info("worker stopped", "run_id", sl.runID, "pid", sl.proc.PID())
	return nil
}

// Status reports the worker's current state. With no worker held it answers
// without any network call; otherwise running is true only if a live probe
// succeeds right now. While Stop is terminating the worker the state is
// stopping, also without a network call.
func (s *Supervisor) Status(ctx context.Context) model.ServerStatus {
	s.mu.Lock()
	sl, draining := s.slot, s.draining
	s.mu.Unlock()

	if sl == nil {
		if draining != nil {
			st := s.statusFor(draining, model.HealthInfo{}, false)
			st.State = model.StateStopping
			return st
		}
		return s.stoppedStatus()
	}

	info, err := s.prober.Probe(ctx, s.cfg.Port)
	if err != nil {
		s.logger.Debug("status probe failed", "run_id", sl.runID, "error", err)
	}
	return s.statusFor(sl, info, err == nil)
}

// Shutdown stops the worker on application exit. Failures are logged only;
// the process may already be gone.
func (s *Supervisor) Shutdown(ctx context.Context) {
	if err := s.Stop(ctx); err != nil {
		s.logger.Warn("stop worker on shutdown", "error", err)
		return
	}
	s.wg.Wait()
}

// watch clears the slot when the held process exits on its own and records
// the exit.
func (s *Supervisor) watch(sl *slot) {
	<-sl.proc.Done()

	s.mu.Lock()
	cleared := s.slot == sl
	if cleared {
		s.slot = nil
	}
	s.mu.Unlock()

	s.broker.Close(sl.runID)

	if sl.stopping.Load() {
		return
	}

	exitErr := sl.proc.ExitErr()
	if cleared {
		workerUp.Set(0)
	}
	workerExitsTotal.Inc()
	s.logger.Warn("worker exited", "run_id", sl.runID, "pid", sl.proc.PID(), "error", exitErr)

	var msg string
	if exitErr != nil {
		msg = exitErr.Error()
	}
	s.updateRun(context.Background(), sl.runID, model.RunExited, msg)
}

func (s *Supervisor) stoppedStatus() model.ServerStatus {
	return model.ServerStatus{
		Running: false,
		Port:    s.cfg.Port,
		Version: model.DefaultWorkerVersion,
		State:   model.StateStopped,
	}
}

func (s *Supervisor) statusFor(sl *slot, info model.HealthInfo, healthy bool) model.ServerStatus {
	st := model.ServerStatus{
		Running: healthy,
		Port:    s.cfg.Port,
		Version: model.DefaultWorkerVersion,
		State:   model.StateRunning,
		PID:     sl.proc.PID(),
		RunID:   sl.runID,
	}
	if info.Version != "" {
		st.Version = info.Version
	}
	if !healthy {
		st.State = model.StateUnhealthy
		if sl.starting.Load() {
			st.State = model.StateStarting
		}
	}
	return st
}

func (s *Supervisor) workerEnv() []string {
	env := []string{
		"HOST=127.0.0.1",
		"PORT=" + strconv.Itoa(int(s.cfg.Port)),
	}
	return append(env, s.cfg.Env...)
}

// logWriter persists every captured output line and publishes it to live
// subscribers of the run.
func (s *Supervisor) logWriter(runID string) func(stream, line string) {
	var seq atomic.Int32
	return func(stream, line string) {
		n := int(seq.Add(1) - 1)
		if err := s.store.InsertLogLine(context.Background(), runID, n, stream, line); err != nil {
			s.logger.Error("persist worker output", "run_id", runID, "seq", n, "error", err)
		}
		s.broker.Publish(model.LogLine{
			RunID:     runID,
			Seq:       n,
			Stream:    stream,
			Line:      line,
			CreatedAt: time.Now().UTC(),
		})
	}
}

func (s *Supervisor) recordRun(ctx context.Context, sl *slot) {
	run := &model.WorkerRun{
		ID:         sl.runID,
		PID:        sl.proc.PID(),
		Executable: sl.path,
		Port:       s.cfg.Port,
		State:      model.RunStarting,
		StartedAt:  sl.spawnedAt,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.logger.Error("record worker run", "run_id", sl.runID, "error", err)
	}
}

func (s *Supervisor) updateRun(ctx context.Context, runID, state, errMsg string) {
	err := s.store.UpdateRunState(ctx, runID, state, errMsg)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInvalidTransition):
		// A concurrent stop or exit already closed the run.
		s.logger.Debug("skip run state update", "run_id", runID, "state", state, "error", err)
	default:
		s.logger.Error("update worker run", "run_id", runID, "state", state, "error", err)
	}
}
