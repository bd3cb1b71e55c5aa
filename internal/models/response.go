package models

// APIResponse is the JSON envelope every handler writes. Errors carries
// per-field validation messages keyed by JSON field name.
type APIResponse struct {
	Success bool              `json:"success"`
	Data    interface{}       `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func NewSuccessResponse(data interface{}) APIResponse {
	return APIResponse{Success: true, Data: data}
}

func NewErrorResponse(message string) APIResponse {
	return APIResponse{Error: message}
}

// NewValidationErrorResponse wraps field errors from a request's Validate.
func NewValidationErrorResponse(fields map[string]string) APIResponse {
	return APIResponse{Error: "Validation failed", Errors: fields}
}
