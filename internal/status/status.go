package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/quorum/internal/model"
	yamlutil "github.com/msageha/quorum/internal/yaml"
)

// heartbeatStaleAfter is three missed sweeps at the default scan interval.
// A daemon that has not refreshed its heartbeat for that long is gone.
const heartbeatStaleAfter = 30 * time.Second

type FleetStatus struct {
	Daemon  DaemonStatus   `json:"daemon"`
	Metrics MetricsSummary `json:"metrics"`
	Tasks   []TaskStatus   `json:"tasks,omitempty"`
}

type DaemonStatus struct {
	Running   bool   `json:"running"`
	Pid       string `json:"pid,omitempty"`
	Heartbeat string `json:"heartbeat,omitempty"`
}

type MetricsSummary struct {
	TasksByStatus map[string]int `json:"tasks_by_status,omitempty"`
	CyclesRun     int            `json:"cycles_run"`
	Accepted      int            `json:"accepted"`
	Retried       int            `json:"retried"`
	Escalated     int            `json:"escalated"`
	Arbitrated    int            `json:"arbitrated"`
	HumanHandoffs int            `json:"human_handoffs"`
	Rounds        int            `json:"rounds_completed"`
	DeadLetters   int            `json:"dead_letters"`
}

type TaskStatus struct {
	ID        string `json:"id"`
	Session   string `json:"session"`
	Status    string `json:"status"`
	Tier      string `json:"tier"`
	Attempt   int    `json:"attempt"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Run collects the fleet status and prints it.
func Run(quorumDir string, jsonOutput bool) error {
	status := FleetStatus{}

	metrics := readMetrics(quorumDir)
	status.Daemon = checkDaemon(quorumDir, metrics)
	status.Metrics = summarizeMetrics(metrics)
	status.Tasks = listTasks(quorumDir)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	printStatus(status)
	return nil
}

// checkDaemon infers daemon liveness from the heartbeat the scan loop writes
// into the metrics snapshot. The lock file PID is advisory display data: a
// crashed daemon leaves it behind, so the heartbeat decides.
func checkDaemon(quorumDir string, m *model.Metrics) DaemonStatus {
	ds := DaemonStatus{}

	data, err := os.ReadFile(filepath.Join(quorumDir, "locks", "daemon.lock"))
	if err == nil {
		ds.Pid = strings.TrimSpace(string(data))
	}

	if m == nil || m.DaemonHeartbeat == nil {
		return ds
	}
	ds.Heartbeat = *m.DaemonHeartbeat

	beat, err := time.Parse(time.RFC3339, *m.DaemonHeartbeat)
	if err != nil {
		return ds
	}
	ds.Running = time.Since(beat) < heartbeatStaleAfter
	return ds
}

func readMetrics(quorumDir string) *model.Metrics {
	var m model.Metrics
	err := yamlutil.ReadInto(filepath.Join(quorumDir, "metrics.yaml"), &m, model.MetricsFileType)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("status: read metrics: %v", err)
		}
		return nil
	}
	return &m
}

func summarizeMetrics(m *model.Metrics) MetricsSummary {
	if m == nil {
		return MetricsSummary{}
	}
	return MetricsSummary{
		TasksByStatus: m.TasksByStatus,
		CyclesRun:     m.Counters.CyclesRun,
		Accepted:      m.Counters.DecisionsAccept,
		Retried:       m.Counters.DecisionsRetry,
		Escalated:     m.Counters.DecisionsEscalate,
		Arbitrated:    m.Counters.DecisionsArbitrate,
		HumanHandoffs: m.Counters.DecisionsHuman,
		Rounds:        m.Counters.RoundsCompleted,
		DeadLetters:   m.Counters.DeadLetters,
	}
}

type taskFile struct {
	ID        string `yaml:"id"`
	SessionID string `yaml:"session_id"`
	Status    string `yaml:"status"`
	Tier      string `yaml:"tier"`
	Attempt   int    `yaml:"attempt"`
	UpdatedAt string `yaml:"updated_at"`
}

func listTasks(quorumDir string) []TaskStatus {
	sessionsDir := filepath.Join(quorumDir, "sessions")
	sessions, err := os.ReadDir(sessionsDir)
	if err != nil {
		return nil
	}

	var tasks []TaskStatus
	for _, sess := range sessions {
		if !sess.IsDir() {
			continue
		}

		taskDir := filepath.Join(sessionsDir, sess.Name(), "tasks")
		entries, err := os.ReadDir(taskDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
				continue
			}

			filePath := filepath.Join(taskDir, entry.Name())
			data, err := os.ReadFile(filePath)
			if err != nil {
				log.Printf("status: failed to read %s: %v", entry.Name(), err)
				continue
			}

			if err := yamlutil.ValidateSchemaHeaderFromBytes(data, model.TaskFileType); err != nil {
				log.Printf("status: invalid schema in %s: %v", entry.Name(), err)
				continue
			}

			var tf taskFile
			if err := yaml.Unmarshal(data, &tf); err != nil {
				log.Printf("status: failed to parse %s: %v", entry.Name(), err)
				continue
			}

			tasks = append(tasks, TaskStatus{
				ID:        tf.ID,
				Session:   tf.SessionID,
				Status:    tf.Status,
				Tier:      tf.Tier,
				Attempt:   tf.Attempt,
				UpdatedAt: tf.UpdatedAt,
			})
		}
	}

	return tasks
}

// statusDisplayOrder fixes the by_status line ordering.
var statusDisplayOrder = []model.TaskStatus{
	model.StatusPending,
	model.StatusInProgress,
	model.StatusEscalated,
	model.StatusArbitrating,
	model.StatusAwaitingHuman,
	model.StatusResolved,
	model.StatusFailed,
}

func printStatus(s FleetStatus) {
	// Daemon
	if s.Daemon.Running {
		if s.Daemon.Pid != "" {
			fmt.Printf("Daemon: running (pid %s, heartbeat %s)\n", s.Daemon.Pid, s.Daemon.Heartbeat)
		} else {
			fmt.Printf("Daemon: running (heartbeat %s)\n", s.Daemon.Heartbeat)
		}
	} else {
		fmt.Println("Daemon: stopped")
	}

	// Fleet counters
	fmt.Println("\nFleet:")
	fmt.Printf("  cycles=%d accepted=%d retried=%d escalated=%d arbitrated=%d human=%d\n",
		s.Metrics.CyclesRun, s.Metrics.Accepted, s.Metrics.Retried,
		s.Metrics.Escalated, s.Metrics.Arbitrated, s.Metrics.HumanHandoffs)
	fmt.Printf("  rounds=%d dead_letters=%d\n", s.Metrics.Rounds, s.Metrics.DeadLetters)

	if len(s.Metrics.TasksByStatus) > 0 {
		var parts []string
		for _, st := range statusDisplayOrder {
			if n, ok := s.Metrics.TasksByStatus[string(st)]; ok && n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", st, n))
			}
		}
		if len(parts) > 0 {
			fmt.Printf("  by_status: %s\n", strings.Join(parts, " "))
		}
	}

	// Tasks
	if len(s.Tasks) > 0 {
		fmt.Println("\nTasks:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tSTATUS\tTIER\tATTEMPT\tUPDATED")
		for _, t := range s.Tasks {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\n", t.ID, t.Status, t.Tier, t.Attempt, t.UpdatedAt)
		}
		w.Flush()
	} else {
		fmt.Println("\nTasks: none")
	}
}
