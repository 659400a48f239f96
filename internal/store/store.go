// Package store owns the .quorum record tree: sessions, tasks, attempt
// records, arbitration rounds, and the daemon exchange directories. The
// attempt record is the single commit point; the task record is derived
// state folded from committed attempts, so recovery can always rebuild it.
package store

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/msageha/quorum/internal/model"
	yamlutil "github.com/msageha/quorum/internal/yaml"
)

// Typed errors callers branch on at the API boundary.
var (
	ErrTaskExists        = errors.New("task already exists")
	ErrTaskNotFound      = errors.New("task not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrAttemptNotFound   = errors.New("attempt not found")
	ErrRoundNotFound     = errors.New("round not found")
	ErrAttemptCommitted  = errors.New("attempt already committed with different content")
	ErrAttemptOutOfOrder = errors.New("attempt out of order")
	ErrTaskTerminal      = errors.New("task is terminal")
)

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Store is the embedded persistence layer rooted at one .quorum directory.
// Per-task write serialization is the caller's job (the coordinator holds the
// task lock for the whole cycle); the store only guards the shared metrics
// file itself.
type Store struct {
	quorumDir string
	config    model.Config
	logger    *log.Logger
	logFile   io.Closer
	logLevel  LogLevel

	metricsMu sync.Mutex
}

// Open creates a Store that logs to .quorum/logs/store.log. Record
// subdirectories are created lazily by the operations that need them.
func Open(quorumDir string, cfg model.Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(quorumDir, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	logPath := filepath.Join(quorumDir, "logs", "store.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}
	return newStore(quorumDir, cfg, logFile, logFile), nil
}

// newStore is the internal constructor that accepts an io.Writer for testing.
func newStore(quorumDir string, cfg model.Config, w io.Writer, closer io.Closer) *Store {
	cfg.ApplyDefaults()
	return &Store{
		quorumDir: quorumDir,
		config:    cfg,
		logger:    log.New(w, "", 0),
		logFile:   closer,
		logLevel:  parseLogLevel(cfg.Logging.Level),
	}
}

func (s *Store) Close() error {
	if s.logFile != nil {
		return s.logFile.Close()
	}
	return nil
}

// Root returns the .quorum directory the store is rooted at.
func (s *Store) Root() string {
	return s.quorumDir
}

// InboxDir is where submission files are dropped for intake.
func (s *Store) InboxDir() string {
	return filepath.Join(s.quorumDir, "inbox")
}

// OutboxDir receives decision events for downstream consumers.
func (s *Store) OutboxDir() string {
	return filepath.Join(s.quorumDir, "outbox")
}

// HumanDir receives escalation payloads for the ticketing handoff.
func (s *Store) HumanDir() string {
	return filepath.Join(s.quorumDir, "human")
}

// LocksDir holds the daemon singleton lock file.
func (s *Store) LocksDir() string {
	return filepath.Join(s.quorumDir, "locks")
}

// --- Paths ---

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.quorumDir, "sessions", sessionID, "session.yaml")
}

func (s *Store) taskPath(sessionID, taskID string) string {
	return filepath.Join(s.quorumDir, "sessions", sessionID, "tasks", taskID+".yaml")
}

func (s *Store) attemptDir(taskID string) string {
	return filepath.Join(s.quorumDir, "attempts", taskID)
}

func (s *Store) attemptPath(taskID string, attempt int) string {
	return filepath.Join(s.attemptDir(taskID), fmt.Sprintf("attempt_%04d.yaml", attempt))
}

func (s *Store) beginMarkerPath(taskID string, attempt int) string {
	return filepath.Join(s.attemptDir(taskID), fmt.Sprintf("attempt_%04d.begin.yaml", attempt))
}

func (s *Store) roundDir(taskID string) string {
	return filepath.Join(s.quorumDir, "rounds", taskID)
}

func (s *Store) roundPath(taskID, roundID string) string {
	return filepath.Join(s.roundDir(taskID), roundID+".yaml")
}

func (s *Store) metricsPath() string {
	return filepath.Join(s.quorumDir, "metrics.yaml")
}

// --- Sessions ---

// CreateSession mints a new session record with a generated id.
func (s *Store) CreateSession(label string) (*model.Session, error) {
	id, err := model.GenerateID(model.IDTypeSession)
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	sess := &model.Session{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      model.SessionFileType,
		ID:            id,
		Label:         label,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.PutSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// PutSession writes a session record, creating its directory if needed.
func (s *Store) PutSession(sess *model.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session missing id")
	}
	sess.SchemaVersion = yamlutil.CurrentSchemaVersion
	sess.FileType = model.SessionFileType
	path := s.sessionPath(sess.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := yamlutil.AtomicWrite(path, sess); err != nil {
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	s.log(LogLevelInfo, "session written id=%s label=%q", sess.ID, sess.Label)
	return nil
}

func (s *Store) GetSession(sessionID string) (*model.Session, error) {
	var sess model.Session
	if err := yamlutil.ReadInto(s.sessionPath(sessionID), &sess, model.SessionFileType); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns all sessions ordered by creation time. Unreadable
// session files are skipped with a warning so one bad record cannot hide the
// rest.
func (s *Store) ListSessions() ([]*model.Session, error) {
	dir := filepath.Join(s.quorumDir, "sessions")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var sessions []*model.Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := s.GetSession(entry.Name())
		if err != nil {
			s.log(LogLevelWarn, "skipping unreadable session %s: %v", entry.Name(), err)
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt != sessions[j].CreatedAt {
			return sessions[i].CreatedAt < sessions[j].CreatedAt
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// --- Tasks ---

// CreateTask registers a new task record. Task ids are unique across all
// sessions because the attempt log is keyed by task id alone, so a duplicate
// id in any session is ErrTaskExists.
func (s *Store) CreateTask(task *model.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if existing, _ := s.findTaskPath(task.ID); existing != "" {
		return fmt.Errorf("task %s: %w", task.ID, ErrTaskExists)
	}
	task.SchemaVersion = yamlutil.CurrentSchemaVersion
	task.FileType = model.TaskFileType
	if task.CreatedAt == "" {
		task.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if task.UpdatedAt == "" {
		task.UpdatedAt = task.CreatedAt
	}

	path := s.taskPath(task.SessionID, task.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}
	if err := yamlutil.AtomicWrite(path, task); err != nil {
		return fmt.Errorf("write task %s: %w", task.ID, err)
	}
	s.log(LogLevelInfo, "task created id=%s session=%s tier=%s", task.ID, task.SessionID, task.Tier)
	return nil
}

func (s *Store) GetTask(sessionID, taskID string) (*model.Task, error) {
	var task model.Task
	if err := yamlutil.ReadInto(s.taskPath(sessionID, taskID), &task, model.TaskFileType); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("task %s in session %s: %w", taskID, sessionID, ErrTaskNotFound)
		}
		return nil, err
	}
	return &task, nil
}

// FindTask locates a task by id alone, scanning sessions.
func (s *Store) FindTask(taskID string) (*model.Task, error) {
	path, sessionID := s.findTaskPath(taskID)
	if path == "" {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	return s.GetTask(sessionID, taskID)
}

// findTaskPath returns the task record path and owning session, or empty
// strings when no session holds the id.
func (s *Store) findTaskPath(taskID string) (string, string) {
	dir := filepath.Join(s.quorumDir, "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", ""
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := s.taskPath(entry.Name(), taskID)
		if _, err := os.Stat(path); err == nil {
			return path, entry.Name()
		}
	}
	return "", ""
}

// ListTasks returns the tasks of one session ordered by creation time.
func (s *Store) ListTasks(sessionID string) ([]*model.Task, error) {
	dir := filepath.Join(s.quorumDir, "sessions", sessionID, "tasks")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks dir: %w", err)
	}

	var tasks []*model.Task
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yaml.bak") {
			continue
		}
		task, err := s.GetTask(sessionID, strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			s.log(LogLevelWarn, "skipping unreadable task %s/%s: %v", sessionID, name, err)
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// ListAllTasks returns every task across all sessions, for the status view
// and the daemon rescan.
func (s *Store) ListAllTasks() ([]*model.Task, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, err
	}
	var all []*model.Task
	for _, sess := range sessions {
		tasks, err := s.ListTasks(sess.ID)
		if err != nil {
			return nil, err
		}
		all = append(all, tasks...)
	}
	return all, nil
}

// SetTaskWorkdir records a fresh working-tree handle for the next attempt.
// The handle is caller-owned identity, not folded state, so recovery never
// rewrites it.
func (s *Store) SetTaskWorkdir(task *model.Task, workdir string) error {
	if task.Terminal() {
		return fmt.Errorf("task %s: %w", task.ID, ErrTaskTerminal)
	}
	task.Workdir = workdir
	task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := yamlutil.AtomicWrite(s.taskPath(task.SessionID, task.ID), task); err != nil {
		return fmt.Errorf("write task %s: %w", task.ID, err)
	}
	return nil
}

// FailTask moves a task to failed outside the decision loop and archives it
// as a dead letter. It covers breaches the escalation rules cannot see, like
// a working tree that no longer exists.
func (s *Store) FailTask(task *model.Task, reason string) error {
	if err := model.ValidateTaskTransition(task.Status, model.StatusFailed); err != nil {
		return fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	task.Status = model.StatusFailed
	task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := yamlutil.AtomicWrite(s.taskPath(task.SessionID, task.ID), task); err != nil {
		return fmt.Errorf("write task %s: %w", task.ID, err)
	}

	history, _ := s.History(task.ID)
	dl := &model.DeadLetter{Task: *task, History: history, Reason: reason}
	if err := s.WriteDeadLetter(dl); err != nil {
		s.log(LogLevelError, "archive dead letter for %s: %v", task.ID, err)
	}
	s.log(LogLevelWarn, "task failed id=%s reason=%q", task.ID, reason)
	return nil
}

// --- Submissions ---

// ReadSubmission parses and validates an inbox submission file.
func (s *Store) ReadSubmission(path string) (*model.Submission, error) {
	var sub model.Submission
	if err := yamlutil.ReadInto(path, &sub, model.SubmissionFileType); err != nil {
		return nil, err
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return &sub, nil
}

// WriteSubmission drops a submission into the inbox for the daemon to pick
// up. The file name carries a fresh submission id so repeated submits of one
// task never clobber each other.
func (s *Store) WriteSubmission(sub *model.Submission) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", err
	}
	sub.SchemaVersion = yamlutil.CurrentSchemaVersion
	sub.FileType = model.SubmissionFileType
	if sub.SubmittedAt == "" {
		sub.SubmittedAt = time.Now().UTC().Format(time.RFC3339)
	}
	id, err := model.GenerateID(model.IDTypeSubmission)
	if err != nil {
		return "", fmt.Errorf("mint submission id: %w", err)
	}
	if err := os.MkdirAll(s.InboxDir(), 0755); err != nil {
		return "", fmt.Errorf("create inbox dir: %w", err)
	}
	path := filepath.Join(s.InboxDir(), id+".yaml")
	if err := yamlutil.AtomicWrite(path, sub); err != nil {
		return "", fmt.Errorf("write submission for %s: %w", sub.TaskID, err)
	}
	s.log(LogLevelInfo, "submission written task=%s path=%s", sub.TaskID, path)
	return path, nil
}

// --- Logging ---

func (s *Store) log(level LogLevel, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s store: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
