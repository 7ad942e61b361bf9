package apierrors

// APIError represents a simple standardized error response.
// Used for 400, 401, 403, 404, 500, 503 errors that don't need specialized shapes.
type APIError struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewAPIError creates a new APIError with the given message and optional details.
func NewAPIError(message string, details map[string]interface{}) *APIError {
	return &APIError{
		Error:   message,
		Details: details,
	}
}

// NewCodedError creates a new APIError carrying a machine-readable code.
func NewCodedError(code, message string, details map[string]interface{}) *APIError {
	return &APIError{
		Error:   message,
		Code:    code,
		Details: details,
	}
}
