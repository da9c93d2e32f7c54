package messages

// Status types
const (
	TypeInfo    = "info"
	TypeSuccess = "success"
	TypeError   = "error"
)

// Error codes returned by the HTTP API
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeCallFailed     = "CALL_FAILED"
	ErrCodeNoActiveCall   = "NO_ACTIVE_CALL"
	ErrCodeCallInProgress = "CALL_IN_PROGRESS"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// Status is a user-visible session status update
type Status struct {
	Status  string `json:"status"`
	Type    string `json:"type"` // "info", "success", "error"
	Message string `json:"message,omitempty"`
}

// CallRequest is the body of a place-call request
type CallRequest struct {
	To           string `json:"to"`
	From         string `json:"from"`
	ConnectionID string `json:"connection_id,omitempty"`
	DisplayName  string `json:"from_display_name,omitempty"`
}

// ErrorResponse is returned by the HTTP API on failure
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewStatus creates a status message
func NewStatus(status, typ, message string) Status {
	return Status{Status: status, Type: typ, Message: message}
}

// NewInfoStatus creates an informational status message
func NewInfoStatus(status, message string) Status {
	return NewStatus(status, TypeInfo, message)
}

// NewErrorStatus creates an error status message
func NewErrorStatus(message string) Status {
	return NewStatus("Error", TypeError, message)
}

// NewErrorResponse creates an error body
func NewErrorResponse(code, message string) *ErrorResponse {
	return &ErrorResponse{Code: code, Message: message}
}
