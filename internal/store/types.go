package store

import "time"

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobCancelled
}

// StageStatus is the lifecycle state of a pipeline stage.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// Terminal reports whether the status is write-once final.
func (s StageStatus) Terminal() bool {
	return s == StageSuccess || s == StageFailed || s == StageSkipped
}

// validStageTransition encodes pending → running → {success, failed, skipped}.
// Skipping straight from pending is allowed so a halted pipeline can mark the
// stages it never started.
func validStageTransition(from, to StageStatus) bool {
	switch from {
	case StagePending:
		return to == StageRunning || to == StageSkipped
	case StageRunning:
		return to == StageSuccess || to == StageFailed || to == StageSkipped
	default:
		return false
	}
}

// TriggerType records what caused a job to be enqueued.
type TriggerType string

const (
	TriggerPush        TriggerType = "push"
	TriggerPullRequest TriggerType = "pull_request"
	TriggerManual      TriggerType = "manual"
	TriggerSchedule    TriggerType = "schedule"
)

// SHASentinel is stored as a job's git_sha when the enqueuer cannot cheaply
// resolve the branch tip; the agent records the resolved SHA after cloning.
const SHASentinel = "HEAD"

// TriggerRules controls which deliveries enqueue jobs for a repository.
type TriggerRules struct {
	Branches         []string `json:"branches"`
	PullRequests     bool     `json:"pull_requests"`
	PRTargetBranches []string `json:"pr_target_branches,omitempty"`
}

// DefaultTriggerRules builds jobs for pushes to main/master only.
func DefaultTriggerRules() TriggerRules {
	return TriggerRules{Branches: []string{"main", "master"}}
}

// BranchAllowed reports whether a push to branch should build.
func (t TriggerRules) BranchAllowed(branch string) bool {
	for _, b := range t.Branches {
		if b == branch {
			return true
		}
	}
	return false
}

// PRAllowed reports whether a pull request targeting base should build.
func (t TriggerRules) PRAllowed(base string) bool {
	if !t.PullRequests {
		return false
	}
	if len(t.PRTargetBranches) == 0 {
		return true
	}
	for _, b := range t.PRTargetBranches {
		if b == base {
			return true
		}
	}
	return false
}

// Repo is a repository observed through webhook deliveries.
type Repo struct {
	ID            int64
	Owner         string
	Name          string
	CloneURL      string
	DefaultBranch string
	DefaultImage  string
	Triggers      TriggerRules
	BuildCount    int64
	SuccessCount  int64
	FailureCount  int64
	LastBuildAt   *time.Time
	Description   string
	Private       bool
}

// FullName is the owner/name identity used in logs and the UI.
func (r Repo) FullName() string { return r.Owner + "/" + r.Name }

// CommitMeta is the denormalized commit information shown on the job view.
type CommitMeta struct {
	Message string
	Author  string
	URL     string
}

// Job is a single execution of a repository's pipeline.
type Job struct {
	ID             int64
	RepoID         int64
	GitSHA         string
	GitRef         string
	Status         JobStatus
	Trigger        TriggerType
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	ClaimedBy      string
	Commit         CommitMeta
	ErrorMessage   string
	ScheduledJobID *int64
	PRNumber       *int64
}

// ClaimedJob is what an agent receives from a successful claim: the job plus
// the repository fields needed to clone and run it, and the one-time token
// proving ownership.
type ClaimedJob struct {
	ID         int64  `json:"id"`
	RepoID     int64  `json:"repo_id"`
	RepoOwner  string `json:"repo_owner"`
	RepoName   string `json:"repo_name"`
	CloneURL   string `json:"clone_url"`
	GitSHA     string `json:"git_sha"`
	GitRef     string `json:"git_ref"`
	Image      string `json:"image"`
	ClaimToken string `json:"claim_token"`
}

// JobStage is an ordered step within a job's pipeline.
type JobStage struct {
	ID           int64
	JobID        int64
	Name         string
	StageOrder   int
	Status       StageStatus
	Command      string
	Image        string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	DurationMS   *int64
	ExitCode     *int
	ErrorMessage string
}

// StageLogLine is one line of container output scoped to a stage.
type StageLogLine struct {
	ID      int64     `json:"id"`
	StageID int64     `json:"stage_id"`
	Line    string    `json:"line"`
	TS      time.Time `json:"ts"`
}

// StageSpec declares a stage at registration time.
type StageSpec struct {
	Name    string `json:"name"`
	Image   string `json:"image"`
	Command string `json:"command"`
}

// Schedule periodically enqueues jobs for a repository branch.
type Schedule struct {
	ID        int64
	RepoID    int64
	CronExpr  string
	Branch    string
	Timezone  string
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// WebhookDelivery is the durable record of one inbound webhook request.
type WebhookDelivery struct {
	ID             int64
	EventType      string
	DeliveryID     string
	SignatureValid bool
	Payload        []byte
	Processed      bool
	JobID          *int64
	ErrorMessage   string
	CreatedAt      time.Time
}
