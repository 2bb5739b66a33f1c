package logging

// AuditEvent represents an ownership- or custody-changing operation
type AuditEvent struct {
	Operation string // e.g. "unit_unpacked", "unit_transferred", "child_derived"
	Actor     string // caller address
	Target    string // unit ID or recipient
	Result    string // "success" or "failure"
	Details   string
}

// Audit logs a custody-changing operation with structured fields.
// Audit events are logged at Info level with an "audit" attribute so they
// can be filtered out of regular application logs.
func Audit(event AuditEvent) {
	Logger().Info("audit",
		"audit", true,
		"operation", event.Operation,
		"actor", event.Actor,
		"target", event.Target,
		"result", event.Result,
		"details", event.Details,
	)
}
