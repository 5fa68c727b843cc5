package rmsync

// Remote task categories.
const (
	TaskBillable            = "Billable"
	TaskBusinessDevelopment = "Business Development"
)

// MapBillableToTask returns the remote task category for a billable flag.
func MapBillableToTask(billable bool) string {
	if billable {
		return TaskBillable
	}
	return TaskBusinessDevelopment
}
