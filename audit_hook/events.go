package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobCreated       = "job.created"
	ActionJobStarted       = "job.started"
	ActionJobCompleted     = "job.completed"
	ActionJobFailed        = "job.failed"
	ActionJobCanceled      = "job.canceled"
	ActionJobExpired       = "job.expired"
	ActionItemFailed       = "item.failed"
	ActionItemDeadLettered = "item.dead_lettered"
)

// Audit event categories group related actions.
const (
	CategoryJob  = "courier.job"
	CategoryItem = "courier.item"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob  = "job"
	ResourceItem = "job_item"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobCreated,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobCanceled,
		ActionJobExpired,
		ActionItemFailed,
		ActionItemDeadLettered,
	}
}
