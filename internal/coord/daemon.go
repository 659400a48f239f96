package coord

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/quorum/internal/ensemble"
	"github.com/msageha/quorum/internal/events"
	"github.com/msageha/quorum/internal/lock"
	"github.com/msageha/quorum/internal/model"
	"github.com/msageha/quorum/internal/notify"
	"github.com/msageha/quorum/internal/store"
)

// Daemon is the long-running quorum process. It holds the singleton file
// lock, runs store recovery once at startup, then drives cycles from two
// producers: fsnotify events on the inbox and a periodic rescan ticker. A
// bounded worker pool keeps concurrent cycles under the configured cap.
type Daemon struct {
	quorumDir string
	config    model.Config
	logLevel  LogLevel
	logger    *log.Logger
	logFile   io.Closer

	store        *store.Store
	coord        *Coordinator
	bus          *events.Bus
	audit        *events.AuditLogger
	notifySender func(title, message string) error
	unsubs       []func()
	closers      []io.Closer
	ownWire      bool

	fileLock *lock.FileLock
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker
	workers  chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// NewDaemon wires the full production stack: store, audit log, event bus,
// command-invoked tiers, tree staging, and the coordinator on top.
func NewDaemon(quorumDir string, cfg model.Config) (*Daemon, error) {
	cfg.ApplyDefaults()
	logPath := filepath.Join(quorumDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	st, err := store.Open(quorumDir, cfg)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	audit, err := events.NewAuditLogger(filepath.Join(quorumDir, "logs", "quorum.jsonl"), 0)
	if err != nil {
		st.Close()
		logFile.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	bus := events.NewBus(64)

	stager := ensemble.NewTreeStager(quorumDir)
	arb, err := ensemble.New(quorumDir, cfg, ensemble.NewCommandInvoker(cfg.Tiers), stager)
	if err != nil {
		audit.Close()
		st.Close()
		logFile.Close()
		return nil, err
	}
	coordinator, err := New(quorumDir, cfg, st, arb, stager, bus, audit)
	if err != nil {
		arb.Close()
		audit.Close()
		st.Close()
		logFile.Close()
		return nil, err
	}

	d := newDaemon(quorumDir, cfg, st, coordinator, bus, audit, logFile, logFile)
	d.ownWire = true
	d.closers = append(d.closers, arb)
	return d, nil
}

// newDaemon is the internal constructor; tests pass their own store and
// coordinator and keep ownership of them.
func newDaemon(quorumDir string, cfg model.Config, st *store.Store, coordinator *Coordinator, bus *events.Bus, audit *events.AuditLogger, w io.Writer, closer io.Closer) *Daemon {
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		quorumDir:    quorumDir,
		config:       cfg,
		logLevel:     parseLogLevel(cfg.Logging.Level),
		logger:       log.New(w, "", 0),
		logFile:      closer,
		store:        st,
		coord:        coordinator,
		bus:          bus,
		audit:        audit,
		notifySender: notify.Send,
		fileLock:     lock.NewFileLock(filepath.Join(quorumDir, "locks", "daemon.lock")),
		ticker:       time.NewTicker(time.Duration(cfg.Daemon.ScanIntervalSec) * time.Second),
		workers:      make(chan struct{}, cfg.Daemon.MaxConcurrentCycles),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetNotifySender overrides the macOS notification sender for testing.
func (d *Daemon) SetNotifySender(f func(string, string) error) {
	d.notifySender = f
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: singleton lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	// Step 2: recovery before any cycle touches the records
	d.runRecovery()

	// Step 3: watch the inbox
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	inbox := d.store.InboxDir()
	if err := os.MkdirAll(inbox, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure inbox dir: %w", err)
	}
	if err := watcher.Add(inbox); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", inbox, err)
	}

	// Step 4: surface terminal outcomes in the daemon log and on the desktop
	d.subscribeEvents()

	// Step 5: background loops
	d.wg.Add(2)
	go d.watchLoop()
	go d.scanLoop()

	// Step 6: initial sweep picks up whatever landed while we were down
	d.sweep()
	d.log(LogLevelInfo, "daemon ready inbox=%s scan_interval=%ds workers=%d",
		inbox, d.config.Daemon.ScanIntervalSec, cap(d.workers))

	// Step 7: wait for signals
	d.waitSignals()
	return nil
}

// runRecovery repairs crash leftovers and records what it did.
func (d *Daemon) runRecovery() {
	repairs := d.store.Recover()
	for _, r := range repairs {
		d.log(LogLevelInfo, "recovery pattern=%s task=%s %s", r.Pattern, r.TaskID, r.Detail)
		if d.audit != nil {
			_ = d.audit.Log("recovery_repair", map[string]interface{}{
				"pattern": r.Pattern, "task_id": r.TaskID, "detail": r.Detail,
			})
		}
	}
	if len(repairs) > 0 {
		if err := d.store.UpdateMetrics(func(m *model.Metrics) {
			m.Counters.RecoveryRepairs += len(repairs)
		}); err != nil {
			d.log(LogLevelWarn, "update metrics: %v", err)
		}
	}
	d.log(LogLevelInfo, "recovery complete repairs=%d", len(repairs))
}

func (d *Daemon) subscribeEvents() {
	logEvent := func(name string) events.Subscriber {
		return func(ev events.Event) {
			d.log(LogLevelInfo, "event %s task=%v reason=%v", name, ev.Data["task_id"], ev.Data["reason"])
		}
	}
	// Best-effort desktop alert; a failed send must never touch the cycle.
	alert := func(format string) events.Subscriber {
		return func(ev events.Event) {
			if !d.config.Notify.Enabled {
				return
			}
			msg := fmt.Sprintf(format, ev.Data["task_id"], ev.Data["reason"])
			if err := d.notifySender("Quorum Alert", msg); err != nil {
				d.log(LogLevelWarn, "desktop_notify error=%v", err)
			}
		}
	}
	d.unsubs = append(d.unsubs,
		d.bus.Subscribe(events.EventTaskResolved, logEvent("task_resolved")),
		d.bus.Subscribe(events.EventHumanRequested, logEvent("human_requested")),
		d.bus.Subscribe(events.EventHumanRequested, alert("task %v needs human review: %v")),
		d.bus.Subscribe(events.EventTaskFailed, logEvent("task_failed")),
		d.bus.Subscribe(events.EventTaskFailed, alert("task %v dead-lettered: %v")),
	)
}

// watchLoop turns inbox file events into submission dispatches.
func (d *Daemon) watchLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				if !isSubmissionFile(event.Name) {
					continue
				}
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.dispatchSubmission(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// scanLoop is the safety net: anything fsnotify missed, a full sweep finds.
func (d *Daemon) scanLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(LogLevelDebug, "periodic sweep triggered")
			d.heartbeat()
			d.sweep()
		}
	}
}

// sweep processes leftover inbox files and re-dispatches tasks whose next
// step is the daemon's own: pending tasks await their first evaluation,
// arbitrating tasks await round resumption. Tasks in in_progress or
// escalated wait on the orchestrator's next submission, and awaiting_human
// waits on a person, so the sweep leaves them alone.
func (d *Daemon) sweep() {
	entries, err := os.ReadDir(d.store.InboxDir())
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !isSubmissionFile(entry.Name()) {
				continue
			}
			d.dispatchSubmission(filepath.Join(d.store.InboxDir(), entry.Name()))
		}
	}

	tasks, err := d.store.ListAllTasks()
	if err != nil {
		d.log(LogLevelWarn, "rescan list tasks: %v", err)
		return
	}
	for _, task := range tasks {
		switch task.Status {
		case model.StatusPending, model.StatusArbitrating:
			d.dispatchCycle(task.ID)
		}
	}
}

// heartbeat refreshes the fleet snapshot the status command renders.
func (d *Daemon) heartbeat() {
	tasks, err := d.store.ListAllTasks()
	if err != nil {
		d.log(LogLevelWarn, "heartbeat list tasks: %v", err)
		return
	}
	byStatus := make(map[string]int)
	for _, task := range tasks {
		byStatus[string(task.Status)]++
	}
	if err := d.store.UpdateMetrics(func(m *model.Metrics) {
		now := time.Now().UTC().Format(time.RFC3339)
		m.DaemonHeartbeat = &now
		m.TasksByStatus = byStatus
	}); err != nil {
		d.log(LogLevelWarn, "heartbeat metrics: %v", err)
	}
}

// dispatchSubmission hands an inbox file to a worker. With every worker
// busy the file just stays put; the next sweep retries it.
func (d *Daemon) dispatchSubmission(path string) {
	if !d.acquireWorker() {
		d.log(LogLevelDebug, "workers busy, deferring submission %s", filepath.Base(path))
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.releaseWorker()
		if err := d.coord.ProcessSubmission(d.ctx, path); err != nil {
			d.log(LogLevelWarn, "submission %s: %v", filepath.Base(path), err)
		}
	}()
}

// dispatchCycle hands a rescanned task to a worker. TryRunCycle keeps a
// task's cycles strictly serial even when both producers fire.
func (d *Daemon) dispatchCycle(taskID string) {
	if !d.acquireWorker() {
		d.log(LogLevelDebug, "workers busy, deferring task %s", taskID)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.releaseWorker()
		rec, ran, err := d.coord.TryRunCycle(d.ctx, taskID)
		switch {
		case err != nil:
			d.log(LogLevelWarn, "cycle task=%s: %v", taskID, err)
		case ran && rec != nil:
			d.log(LogLevelInfo, "cycle task=%s attempt=%d decision=%s", taskID, rec.Attempt, rec.Decision.Kind)
		}
	}()
}

func (d *Daemon) acquireWorker() bool {
	select {
	case d.workers <- struct{}{}:
		return true
	default:
		return false
	}
}

func (d *Daemon) releaseWorker() {
	<-d.workers
}

// isSubmissionFile filters inbox entries down to real submission records,
// skipping atomic-write temp files and backups.
func isSubmissionFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".yaml") && !strings.HasPrefix(base, ".")
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). In-flight
// cycles get the configured drain window; anything cut off mid-cycle is the
// crash recovery patterns' job at next startup.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops accepting new work)
		d.cancel()

		// 2. Stop producers
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}

		// 3. Drain in-flight with timeout
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some cycles may be incomplete",
				d.config.Daemon.ShutdownTimeoutSec)
		}

		// 4. Cleanup
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases everything the daemon owns. Wiring passed in by tests is
// left for the tests to close.
func (d *Daemon) cleanup() {
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.unsubs = nil
	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.ownWire {
		if d.coord != nil {
			d.coord.Close()
		}
		for _, c := range d.closers {
			c.Close()
		}
		if d.audit != nil {
			d.audit.Close()
		}
		if d.bus != nil {
			d.bus.Close()
		}
		if d.store != nil {
			d.store.Close()
		}
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	var levelStr string
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelInfo:
		levelStr = "INFO"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
