package http

// ErrorResponse is the standard error envelope for v0/v1 HTTP responses.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
