// internal/portal/submit_test.go
package portal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sortedKeys(v url.Values) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// -- Test Cases: SubmitForm --

// The outgoing field set must be exactly the server-defined field set, no
// matter what the override map carries. Extra override names would trip the
// portal's server-side validation.
func TestSubmitForm_FieldSetMatchesDescriptor(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	desc, err := ParseForm(`<form action="/auth" method="post">
		<input type="hidden" name="TokenKey" value="tok">
		<input name="accountNo">
		<input name="zip">
	</form>`, base)
	require.NoError(t, err)

	sess := newTestSession(t)
	_, err = SubmitForm(context.Background(), sess, desc, map[string]string{
		"accountNo":    "55555",
		"captchaSText": "12345", // not defined by this form, must be dropped
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"TokenKey", "accountNo", "zip"}, sortedKeys(gotForm))
	assert.Equal(t, "tok", gotForm.Get("TokenKey"))
	assert.Equal(t, "55555", gotForm.Get("accountNo"))
	assert.Equal(t, "", gotForm.Get("zip"))
}

func TestSubmitForm_GetSendsQueryParameters(t *testing.T) {
	var gotQuery url.Values
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.Query()
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	desc, err := ParseForm(`<form action="/search" method="get"><input name="q" value="permit"></form>`, base)
	require.NoError(t, err)

	sess := newTestSession(t)
	_, err = SubmitForm(context.Background(), sess, desc, nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "permit", gotQuery.Get("q"))
}

func TestSubmitForm_NoActionFails(t *testing.T) {
	base, err := url.Parse("https://portal.example.com")
	require.NoError(t, err)
	desc, err := ParseForm(`<html><body>nothing here</body></html>`, base)
	require.NoError(t, err)

	sess := newTestSession(t)
	_, err = SubmitForm(context.Background(), sess, desc, nil)
	require.Error(t, err)
	var malformed *MalformedFormError
	assert.True(t, errors.As(err, &malformed))
}
