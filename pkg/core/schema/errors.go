// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// Error types returned in ErrorResponse.
const (
	ErrorTypeInvalidRequest = "invalid_request"
	ErrorTypeUnauthorized   = "unauthorized"
	ErrorTypeNotFound       = "not_found"
	ErrorTypeQuotaExceeded  = "quota_exceeded"
	ErrorTypeServer         = "server_error"
)

// ErrorResponse is the envelope of every non-2xx JSON response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the error details.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
