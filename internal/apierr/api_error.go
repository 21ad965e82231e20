package apierr

// Error codes for the orchestrator's failure taxonomy. Handlers attach
// these under details["error_code"] so clients can branch without parsing
// human-readable messages.
const (
	CodeAuth        = "AUTH"
	CodeUnavailable = "UNAVAILABLE"
	CodeTimeout     = "TIMEOUT"
	CodeProtocol    = "PROTOCOL"
	CodeLimit       = "LIMIT"
	CodeValidation  = "VALIDATION"
)

// APIError represents a simple standardized error response.
// Used for 400, 401, 404, 429, 500, 503 errors that don't need specialized shapes.
type APIError struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewAPIError creates a new APIError with the given message and optional details.
func NewAPIError(message string, details map[string]interface{}) *APIError {
	return &APIError{
		Error:   message,
		Details: details,
	}
}

// withCode returns details with an error_code entry, allocating if needed.
func withCode(details map[string]interface{}, code string) map[string]interface{} {
	if details == nil {
		details = make(map[string]interface{}, 1)
	}
	details["error_code"] = code
	return details
}
