// File: internal/portal/submit.go
package portal

import "context"

// SubmitForm merges a field snapshot with an override map and issues the
// request that advances the workflow to the next page. GET descriptors send
// the field set as query parameters, POST as a form body.
//
// There is no retry at this layer; retry policy lives in the orchestrator,
// scoped to the one step that needs it. Transport failures pass through
// unchanged.
func SubmitForm(ctx context.Context, sess *Session, desc FormDescriptor, overrides map[string]string) (*Response, error) {
	if !desc.HasForm() {
		return nil, &MalformedFormError{Reason: "form has no action, workflow cannot continue"}
	}

	data := desc.Fields.Merge(overrides)

	if desc.Method == MethodGet {
		return sess.Get(ctx, desc.Action.String(), data)
	}
	return sess.PostForm(ctx, desc.Action.String(), data)
}
