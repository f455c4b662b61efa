// File: internal/portal/errors.go
package portal

import "fmt"

// TransportError reports a non-2xx portal response or a failed round trip.
// The body excerpt is kept because the portal is an uncontrolled third party
// and post-hoc diagnosis depends on what it actually returned.
type TransportError struct {
	Status      int
	URL         string
	BodyExcerpt string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("portal request to %s failed with HTTP %d: %s", e.URL, e.Status, e.BodyExcerpt)
}

// MalformedFormError reports a form that cannot advance the workflow: a
// missing action, an unsupported method, or an unparseable document.
type MalformedFormError struct {
	Reason string
}

func (e *MalformedFormError) Error() string {
	return "malformed portal form: " + e.Reason
}

// NoDocumentGeneratedError reports a success-looking final page that carried
// no extractable document link. This reliably indicates an unreported
// server-side validation failure, so the collected diagnostics ride along.
type NoDocumentGeneratedError struct {
	Diagnostics Diagnostics
}

func (e *NoDocumentGeneratedError) Error() string {
	return "final submission returned HTTP 200 but no document links were found; " +
		"the form may have validation errors or the submission may not have been processed"
}
