package model

import "time"

type TriggerOrigin string

const (
	TriggerOriginWebhook    TriggerOrigin = "webhook"
	TriggerOriginFilePoll   TriggerOrigin = "file-poll"
	TriggerOriginBranchPoll TriggerOrigin = "branch-poll"
	TriggerOriginManual     TriggerOrigin = "manual"
)

type TriggerEvent struct {
	Origin      TriggerOrigin `json:"origin"`
	PayloadID   string        `json:"payload_id"`
	Instruction string        `json:"instruction"`
	ReceivedAt  time.Time     `json:"received_at"`
}

type WorkItem struct {
	Instruction string        `json:"instruction"`
	Requester   string        `json:"requester,omitempty"`
	FeatureName string        `json:"feature_name,omitempty"`
	DataSources []string      `json:"data_sources,omitempty"`
	Origin      TriggerOrigin `json:"origin"`
	PayloadID   string        `json:"payload_id"`
}

type ChangeKind string

const (
	ChangeKindAdded    ChangeKind = "added"
	ChangeKindModified ChangeKind = "modified"
	ChangeKindDeleted  ChangeKind = "deleted"
)

type FileChange struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

type ChangeSet struct {
	Changes []FileChange `json:"changes"`
}

func (c ChangeSet) Empty() bool {
	return len(c.Changes) == 0
}

func (c ChangeSet) Paths() []string {
	paths := make([]string, 0, len(c.Changes))
	for _, change := range c.Changes {
		paths = append(paths, change.Path)
	}
	return paths
}

type RiskVerdict struct {
	Safe    bool     `json:"safe"`
	Reasons []string `json:"reasons"`
}

type SelfAssessment struct {
	NeedsReview       bool   `json:"needs_review"`
	TouchesExisting   bool   `json:"touches_existing"`
	PossibleConfusion bool   `json:"possible_confusion"`
	RemovesFeatures   bool   `json:"removes_features"`
	Notes             string `json:"notes,omitempty"`
}

type RunResult struct {
	Summary      string          `json:"summary"`
	ChangedFiles []string        `json:"changed_files"`
	Notes        string          `json:"notes,omitempty"`
	Risk         *SelfAssessment `json:"risk,omitempty"`
}

type RunStatus string

const (
	RunStatusStarted     RunStatus = "started"
	RunStatusMerged      RunStatus = "merged"
	RunStatusNeedsReview RunStatus = "needs-review"
	RunStatusFailed      RunStatus = "failed"
)

type RunRecord struct {
	RunID       string        `json:"run_id"`
	Origin      TriggerOrigin `json:"origin"`
	PayloadID   string        `json:"payload_id"`
	Branch      string        `json:"branch"`
	Status      RunStatus     `json:"status"`
	Summary     string        `json:"summary,omitempty"`
	VerdictJSON string        `json:"verdict_json,omitempty"`
	ErrorText   string        `json:"error_text,omitempty"`
	CreatedAt   string        `json:"created_at"`
	UpdatedAt   string        `json:"updated_at"`
}

type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeFailure     OutcomeKind = "failure"
	OutcomeNeedsReview OutcomeKind = "needs-review"
)

type Outcome struct {
	Kind         OutcomeKind `json:"kind"`
	RunID        string      `json:"run_id"`
	Branch       string      `json:"branch,omitempty"`
	Summary      string      `json:"summary,omitempty"`
	ChangedFiles []string    `json:"changed_files,omitempty"`
	Notes        string      `json:"notes,omitempty"`
	Reasons      []string    `json:"reasons,omitempty"`
	ErrorText    string      `json:"error_text,omitempty"`
}

type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

type OutboxMessage struct {
	MessageID   string       `json:"message_id"`
	RunID       string       `json:"run_id"`
	Kind        OutcomeKind  `json:"kind"`
	PayloadJSON string       `json:"payload_json"`
	Status      OutboxStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"last_error,omitempty"`
	CreatedAt   string       `json:"created_at"`
	SentAt      string       `json:"sent_at,omitempty"`
}

type OutboxStats struct {
	PendingCount int `json:"pending_count"`
	SentCount    int `json:"sent_count"`
	FailedCount  int `json:"failed_count"`
}
