package automation

// Condition operators. The set is closed; anything else is rejected when a
// rule is saved.
const (
	OpEquals   = "equals"
	OpContains = "contains"
)

// Rule schedules.
const (
	ScheduleNone   = "none"
	ScheduleDaily  = "daily"
	ScheduleAlways = "always"
)

// Rule is one automation: when a record of the table matches the condition,
// the action field is set to the action value.
type Rule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Table       string `json:"table"`
	Field       string `json:"condition_field"`
	Operator    string `json:"condition_operator"`
	Value       string `json:"condition_value"`
	ActionField string `json:"action_field"`
	ActionValue string `json:"action_value"`
	RunOnImport bool   `json:"run_on_import"`
	Schedule    string `json:"schedule"`
	RunCount    int64  `json:"run_count"`
	LastRun     string `json:"last_run,omitempty"`
}

func validOperator(op string) bool {
	return op == OpEquals || op == OpContains
}
