package logger

// Fields is a set of structured log fields.
type Fields map[string]interface{}

// Tracing fields, carried on the context logger through a call chain.
const (
	FieldRequestID = "request_id"
	FieldTenantID  = "tenant_id"
	FieldItemID    = "item_id"
	FieldMatchID   = "match_id"
	FieldComponent = "component"
	FieldModel     = "model"
)

// Metric fields, attached per entry for aggregation.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldScore      = "score"
	FieldStage      = "stage"
	FieldStatus     = "status"
)
