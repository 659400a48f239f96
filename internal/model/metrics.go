package model

// Metrics is the fleet snapshot maintained by the daemon and rendered by the
// status command.
type Metrics struct {
	SchemaVersion   int             `yaml:"schema_version"`
	FileType        string          `yaml:"file_type"`
	TasksByStatus   map[string]int  `yaml:"tasks_by_status"`
	Counters        MetricsCounters `yaml:"counters"`
	DaemonHeartbeat *string         `yaml:"daemon_heartbeat"`
	UpdatedAt       *string         `yaml:"updated_at"`
}

const MetricsFileType = "metrics"

type MetricsCounters struct {
	SubmissionsAccepted int `yaml:"submissions_accepted"`
	SubmissionsRejected int `yaml:"submissions_rejected"`
	CyclesRun           int `yaml:"cycles_run"`
	AttemptsCommitted   int `yaml:"attempts_committed"`
	DecisionsRetry      int `yaml:"decisions_retry"`
	DecisionsEscalate   int `yaml:"decisions_escalate"`
	DecisionsArbitrate  int `yaml:"decisions_arbitrate"`
	DecisionsHuman      int `yaml:"decisions_human"`
	DecisionsAccept     int `yaml:"decisions_accept"`
	RoundsCompleted     int `yaml:"rounds_completed"`
	RecoveryRepairs     int `yaml:"recovery_repairs"`
	DeadLetters         int `yaml:"dead_letters"`
}

// CountDecision bumps the counter matching the decision kind.
func (c *MetricsCounters) CountDecision(kind DecisionKind) {
	switch kind {
	case DecisionRetry:
		c.DecisionsRetry++
	case DecisionEscalate:
		c.DecisionsEscalate++
	case DecisionArbitrate:
		c.DecisionsArbitrate++
	case DecisionRequestHuman:
		c.DecisionsHuman++
	case DecisionAccept:
		c.DecisionsAccept++
	}
}
