package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Service
	FieldService   = "service"
	FieldComponent = "component"

	// Relay
	FieldRelayPath = "relay_path"
	FieldRelayOp   = "relay_op"
	FieldClientID  = "client_id"

	// Signalling
	FieldCamera    = "camera"
	FieldViewer    = "viewer"
	FieldCode      = "code"
	FieldSessionID = "session_id"
	FieldCommand   = "command"
	FieldState     = "state"
)
