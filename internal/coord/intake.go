package coord

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/msageha/quorum/internal/model"
	"github.com/msageha/quorum/internal/store"
	yamlutil "github.com/msageha/quorum/internal/yaml"
)

// ProcessSubmission consumes one inbox file: validate it, create or refresh
// the task, remove the file, then run an evaluation cycle. Concurrent
// submissions of the same task id collapse into one flight; a submission for
// an unknown session creates the session record on the fly.
//
// A submission for an existing task is the orchestrator's re-evaluation
// trigger: the previous decision sent the tree back to a model, and the new
// file says the next attempt is ready.
func (c *Coordinator) ProcessSubmission(ctx context.Context, path string) error {
	sub, err := c.store.ReadSubmission(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // consumed by a concurrent flight
		}
		// Malformed submissions are moved aside so the scan loop stops
		// chewing on them.
		c.log(LogLevelWarn, "rejecting submission %s: %v", path, err)
		if qerr := yamlutil.Quarantine(c.quorumDir, path); qerr != nil {
			c.log(LogLevelWarn, "quarantine submission %s: %v", path, qerr)
		}
		c.countSubmission(false)
		return fmt.Errorf("read submission %s: %w", path, err)
	}

	_, err, _ = c.flight.Do(sub.TaskID, func() (interface{}, error) {
		return nil, c.admitAndRun(ctx, path, sub)
	})
	return err
}

func (c *Coordinator) admitAndRun(ctx context.Context, path string, sub *model.Submission) error {
	task, err := c.store.FindTask(sub.TaskID)
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		task, err = c.admitTask(sub)
		if err != nil {
			c.countSubmission(false)
			return err
		}
	case err != nil:
		return err
	default:
		if task.Terminal() {
			c.log(LogLevelWarn, "rejecting submission for %s task %s", task.Status, task.ID)
			c.removeConsumed(path)
			c.countSubmission(false)
			return fmt.Errorf("task %s is %s: %w", task.ID, task.Status, store.ErrTaskTerminal)
		}
		if sub.Workdir != "" && sub.Workdir != task.Workdir {
			if err := c.store.SetTaskWorkdir(task, sub.Workdir); err != nil {
				return err
			}
		}
	}

	c.removeConsumed(path)
	c.countSubmission(true)
	c.auditLog("submission_accepted", map[string]interface{}{
		"task_id": task.ID, "session_id": task.SessionID, "tier": string(task.Tier),
	})
	_, err = c.RunCycle(ctx, task.ID)
	return err
}

// admitTask creates the task (and, if needed, session) records for a first
// submission. A create race with another flight resolves to the winner's
// record.
func (c *Coordinator) admitTask(sub *model.Submission) (*model.Task, error) {
	if _, err := c.store.GetSession(sub.SessionID); errors.Is(err, store.ErrSessionNotFound) {
		sess := &model.Session{ID: sub.SessionID, Label: "external"}
		if err := c.store.PutSession(sess); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	tier := sub.InitialTier
	if tier == "" {
		tier = model.TierFast
	}
	task := &model.Task{
		ID:          sub.TaskID,
		SessionID:   sub.SessionID,
		Description: sub.Description,
		Constraints: sub.Constraints,
		Tier:        tier,
		Status:      model.StatusPending,
		Workdir:     sub.Workdir,
	}
	err := c.store.CreateTask(task)
	if errors.Is(err, store.ErrTaskExists) {
		return c.store.FindTask(sub.TaskID)
	}
	if err != nil {
		return nil, err
	}
	c.log(LogLevelInfo, "task admitted id=%s session=%s tier=%s", task.ID, task.SessionID, task.Tier)
	return task, nil
}

func (c *Coordinator) removeConsumed(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.log(LogLevelWarn, "remove consumed submission %s: %v", path, err)
	}
}

func (c *Coordinator) countSubmission(accepted bool) {
	if err := c.store.UpdateMetrics(func(m *model.Metrics) {
		if accepted {
			m.Counters.SubmissionsAccepted++
		} else {
			m.Counters.SubmissionsRejected++
		}
	}); err != nil {
		c.log(LogLevelWarn, "update metrics: %v", err)
	}
}
