package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyJobID      = "job_id"
	KeyJobStatus  = "job_status"
	KeyStage      = "stage"
	KeyAgentID    = "agent_id"
	KeyRepo       = "repository"
	KeyBranch     = "branch"
	KeySHA        = "git_sha"
	KeyDeliveryID = "delivery_id"
	KeyScheduleID = "schedule_id"
	KeyDurationMS = "duration_ms"
	KeyDomain     = "domain"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func JobID(id int64) slog.Attr        { return slog.Int64(KeyJobID, id) }
func JobStatus(s string) slog.Attr    { return slog.String(KeyJobStatus, s) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func AgentID(id string) slog.Attr     { return slog.String(KeyAgentID, id) }
func Repository(r string) slog.Attr   { return slog.String(KeyRepo, r) }
func Branch(b string) slog.Attr       { return slog.String(KeyBranch, b) }
func SHA(sha string) slog.Attr        { return slog.String(KeySHA, sha) }
func DeliveryID(id string) slog.Attr  { return slog.String(KeyDeliveryID, id) }
func ScheduleID(id int64) slog.Attr   { return slog.Int64(KeyScheduleID, id) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Domain(d string) slog.Attr       { return slog.String(KeyDomain, d) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
