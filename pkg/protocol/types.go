package protocol

// Message type constants for protocol envelopes.
const (
	TypeIdentify         = "identify"
	TypeIdentified       = "identified"
	TypeError            = "error"
	TypeStatus           = "status"
	TypePresenceSnapshot = "presence_snapshot"
	TypeDataChunk        = "data_chunk"
	TypeAck              = "ack"
	TypePause            = "pause"
	TypeResume           = "resume"
	TypeCancel           = "cancel"
	TypeTextMessage      = "text_message"
	TypeReport           = "report"
)

// Roles a connection can be bound to after identify.
const (
	RoleController  = "controller"
	RoleDestination = "destination"
)

// Error codes carried in Error payloads.
const (
	CodeDestinationUnavailable = "destination_unavailable"
	CodeAlreadyConnected       = "already_connected"
	CodeUnknownIdentity        = "unknown_identity"
	CodeIdentifyRequired       = "identify_required"
	CodeInvalidFrame           = "invalid_frame"
	CodeRateLimited            = "rate_limited"
)

// Report kinds sent by destinations.
const (
	ReportCompleted = "completed"
	ReportCancelled = "cancelled"
	ReportViolation = "violation"
	ReportOverflow  = "overflow"
)

// IsControl reports whether msgType is one of the per-destination control frames.
func IsControl(msgType string) bool {
	switch msgType {
	case TypePause, TypeResume, TypeCancel:
		return true
	}
	return false
}
