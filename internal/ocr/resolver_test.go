// internal/ocr/resolver_test.go
package ocr

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCredentials generates a throwaway RSA service-account file and returns
// its path plus the public key for assertion verification.
func writeCredentials(t *testing.T) (string, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	block := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	creds := map[string]string{
		"client_email": "robot@permitflow-test.iam.gserviceaccount.com",
		"private_key":  string(block),
	}
	raw, err := json.Marshal(creds)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path, &key.PublicKey
}

// visionStub is a fake token + vision endpoint pair on one server.
type visionStub struct {
	mu          sync.Mutex
	tokenCalls  int
	lastGrant   string
	lastAsserts []string
	detected    string
	visionErr   string
	visionCode  int
}

func (s *visionStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		s.mu.Lock()
		s.tokenCalls++
		s.lastGrant = r.PostForm.Get("grant_type")
		s.lastAsserts = append(s.lastAsserts, r.PostForm.Get("assertion"))
		n := s.tokenCalls
		s.mu.Unlock()
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600}`, n)
	})
	mux.HandleFunc("/annotate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if s.visionCode != 0 {
			w.WriteHeader(s.visionCode)
			w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
			return
		}
		if s.visionErr != "" {
			fmt.Fprintf(w, `{"responses":[{"error":{"message":%q}}]}`, s.visionErr)
			return
		}
		if s.detected == "" {
			w.Write([]byte(`{"responses":[{}]}`))
			return
		}
		fmt.Fprintf(w, `{"responses":[{"textAnnotations":[{"description":%q}]}]}`, s.detected)
	})
	return mux
}

func newStubResolver(t *testing.T, stub *visionStub, now func() time.Time) (*Resolver, string) {
	t.Helper()
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)
	creds, _ := writeCredentials(t)
	return NewResolver(Config{
		CredentialsFile: creds,
		VisionURL:       srv.URL + "/annotate",
		TokenURL:        srv.URL + "/token",
		HTTPClient:      srv.Client(),
		Now:             now,
	}), creds
}

// -- Test Cases: Solve --

func TestSolve_StripsWhitespaceFromDetection(t *testing.T) {
	stub := &visionStub{detected: " 12 3\n45\t"}
	r, _ := newStubResolver(t, stub, nil)

	text, err := r.Solve(context.Background(), []byte("imagedata"))
	require.NoError(t, err)
	assert.Equal(t, "12345", text)
	assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", stub.lastGrant)
}

func TestSolve_NoTextDetected(t *testing.T) {
	stub := &visionStub{}
	r, _ := newStubResolver(t, stub, nil)

	_, err := r.Solve(context.Background(), []byte("img"))
	var oerr *OcrError
	require.True(t, errors.As(err, &oerr))
	assert.Contains(t, oerr.Detail, "no text detected")
}

func TestSolve_VisionErrorObject(t *testing.T) {
	stub := &visionStub{visionErr: "image too small"}
	r, _ := newStubResolver(t, stub, nil)

	_, err := r.Solve(context.Background(), []byte("img"))
	var oerr *OcrError
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, "image too small", oerr.Detail)
}

func TestSolve_VisionNon200(t *testing.T) {
	stub := &visionStub{visionCode: http.StatusForbidden}
	r, _ := newStubResolver(t, stub, nil)

	_, err := r.Solve(context.Background(), []byte("img"))
	var oerr *OcrError
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, http.StatusForbidden, oerr.Status)
}

// -- Test Cases: credential caching --

func TestCredential_CachedAcrossSolves(t *testing.T) {
	stub := &visionStub{detected: "11111"}
	r, _ := newStubResolver(t, stub, nil)
	ctx := context.Background()

	_, err := r.Solve(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = r.Solve(ctx, []byte("b"))
	require.NoError(t, err)

	assert.Equal(t, 1, stub.tokenCalls, "second solve must reuse the cached token")
}

func TestCredential_RefreshedAfterExpiry(t *testing.T) {
	stub := &visionStub{detected: "22222"}
	clock := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	r, _ := newStubResolver(t, stub, func() time.Time { return clock })
	ctx := context.Background()

	_, err := r.Solve(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, 1, stub.tokenCalls)

	// Inside the grace window (56m into a 60m token) a refresh is forced.
	clock = clock.Add(56 * time.Minute)
	_, err = r.Solve(ctx, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, 2, stub.tokenCalls)
}

func TestCredential_TokenEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("token service down"))
	}))
	defer srv.Close()

	creds, _ := writeCredentials(t)
	r := NewResolver(Config{
		CredentialsFile: creds,
		VisionURL:       srv.URL + "/annotate",
		TokenURL:        srv.URL + "/token",
		HTTPClient:      srv.Client(),
	})

	_, err := r.Solve(context.Background(), []byte("img"))
	var cerr *CredentialError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, http.StatusInternalServerError, cerr.Status)
	assert.Contains(t, cerr.Body, "token service down")
}

func TestCredential_MissingFile(t *testing.T) {
	r := NewResolver(Config{CredentialsFile: filepath.Join(t.TempDir(), "nope.json")})
	_, err := r.Solve(context.Background(), []byte("img"))
	var cerr *CredentialError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Body, "not readable")
}

// -- Test Cases: assertion contents --

func TestAssertion_ClaimsAndSignature(t *testing.T) {
	stub := &visionStub{detected: "33333"}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	creds, pub := writeCredentials(t)
	fixed := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	r := NewResolver(Config{
		CredentialsFile: creds,
		VisionURL:       srv.URL + "/annotate",
		TokenURL:        srv.URL + "/token",
		HTTPClient:      srv.Client(),
		Now:             func() time.Time { return fixed },
	})

	_, err := r.Solve(context.Background(), []byte("img"))
	require.NoError(t, err)
	require.Len(t, stub.lastAsserts, 1)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(stub.lastAsserts[0], claims, func(tok *jwt.Token) (any, error) {
		require.IsType(t, &jwt.SigningMethodRSA{}, tok.Method)
		return pub, nil
	}, jwt.WithTimeFunc(func() time.Time { return fixed }))
	require.NoError(t, err)

	assert.Equal(t, "robot@permitflow-test.iam.gserviceaccount.com", claims["iss"])
	assert.Equal(t, claims["iss"], claims["sub"])
	assert.Equal(t, srv.URL+"/token", claims["aud"])
	assert.Equal(t, "https://www.googleapis.com/auth/cloud-vision", claims["scope"])
	assert.Equal(t, float64(fixed.Add(time.Hour).Unix()), claims["exp"])
}
