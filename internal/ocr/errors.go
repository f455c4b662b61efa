// File: internal/ocr/errors.go
package ocr

import "fmt"

// CredentialError reports a failed service-account token exchange. The
// upstream status and body are preserved for diagnosability.
type CredentialError struct {
	Status int
	Body   string
}

func (e *CredentialError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("failed to obtain access token (HTTP %d): %s", e.Status, e.Body)
	}
	return "failed to obtain access token: " + e.Body
}

// OcrError reports a failed text-detection call: a structured error object in
// the response, zero annotations, or a non-2xx status.
type OcrError struct {
	Status int
	Detail string
}

func (e *OcrError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("vision API error (HTTP %d): %s", e.Status, e.Detail)
	}
	return "vision API error: " + e.Detail
}
