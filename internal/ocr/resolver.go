// File: internal/ocr/resolver.go
// Description: Obtains CAPTCHA text from an external vision service. Owns the
// OAuth credential exchange and its cache; nothing outside this package ever
// observes the credential.
package ocr

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultVisionURL is the text-detection endpoint.
	DefaultVisionURL = "https://vision.googleapis.com/v1/images:annotate"
	// DefaultTokenURL is the OAuth token exchange endpoint; it is also the
	// audience of the signed assertion.
	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	visionScope  = "https://www.googleapis.com/auth/cloud-vision"
	jwtGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// assertionTTL is the validity window of the signed assertion itself.
	assertionTTL = time.Hour
	// expiryGrace forces a refresh shortly before the cached token's
	// reported expiry so a token never dies mid-request.
	expiryGrace = 5 * time.Minute

	requestTimeout = 30 * time.Second
)

// Credential is a cached bearer token with its expiry.
type Credential struct {
	Token  string
	Expiry time.Time
}

// Config holds the settings for a Resolver.
type Config struct {
	// CredentialsFile is a service-account JSON file with client_email and
	// private_key.
	CredentialsFile string
	VisionURL       string
	TokenURL        string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	Logger     *zap.Logger
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Resolver solves CAPTCHA images via the external OCR capability. The cached
// credential is an explicit field of the instance, never package state, and
// is mutated only here.
//
// A Resolver is used by a single workflow run at a time and is not safe for
// concurrent use.
type Resolver struct {
	credentialsFile string
	visionURL       string
	tokenURL        string
	httpc           *http.Client
	log             *zap.Logger
	now             func() time.Time

	cred *Credential
}

// NewResolver creates a Resolver from the given configuration.
func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		credentialsFile: cfg.CredentialsFile,
		visionURL:       cfg.VisionURL,
		tokenURL:        cfg.TokenURL,
		httpc:           cfg.HTTPClient,
		log:             cfg.Logger,
		now:             cfg.Now,
	}
	if r.visionURL == "" {
		r.visionURL = DefaultVisionURL
	}
	if r.tokenURL == "" {
		r.tokenURL = DefaultTokenURL
	}
	if r.httpc == nil {
		r.httpc = &http.Client{Timeout: requestTimeout}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// -- Wire types --

type visionRequest struct {
	Requests []annotateRequest `json:"requests"`
}

type annotateRequest struct {
	Image    imageContent `json:"image"`
	Features []feature    `json:"features"`
}

type imageContent struct {
	Content string `json:"content"`
}

type feature struct {
	Type       string `json:"type"`
	MaxResults int    `json:"maxResults"`
}

type visionResponse struct {
	Responses []annotateResponse `json:"responses"`
}

type annotateResponse struct {
	TextAnnotations []textAnnotation `json:"textAnnotations"`
	Error           *visionError     `json:"error"`
}

type textAnnotation struct {
	Description string `json:"description"`
}

type visionError struct {
	Message string `json:"message"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// Solve performs OCR on a CAPTCHA image and returns the detected text with
// interior whitespace and newlines stripped. Format validation (the portal
// expects exactly 5 digits) is deliberately the caller's responsibility so
// the retry policy can distinguish "OCR failed" from "OCR produced an
// invalid shape".
func (r *Resolver) Solve(ctx context.Context, image []byte) (string, error) {
	token, err := r.credential(ctx)
	if err != nil {
		return "", err
	}

	reqBody := visionRequest{
		Requests: []annotateRequest{{
			Image:    imageContent{Content: base64.StdEncoding.EncodeToString(image)},
			Features: []feature{{Type: "TEXT_DETECTION", MaxResults: 1}},
		}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", &OcrError{Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.visionURL, strings.NewReader(string(payload)))
	if err != nil {
		return "", &OcrError{Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.httpc.Do(req)
	if err != nil {
		return "", &OcrError{Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &OcrError{Status: resp.StatusCode, Detail: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &OcrError{Status: resp.StatusCode, Detail: string(body)}
	}

	var result visionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &OcrError{Detail: "invalid response from vision API: " + err.Error()}
	}
	if len(result.Responses) == 0 {
		return "", &OcrError{Detail: "invalid response from vision API: empty responses"}
	}

	ann := result.Responses[0]
	if ann.Error != nil {
		return "", &OcrError{Detail: ann.Error.Message}
	}
	if len(ann.TextAnnotations) == 0 {
		return "", &OcrError{Detail: "no text detected in CAPTCHA image"}
	}

	// The first annotation carries the full detected text.
	cleaned := strings.NewReplacer("\n", "", "\r", "", " ", "", "\t", "").
		Replace(strings.TrimSpace(ann.TextAnnotations[0].Description))

	r.log.Debug("captcha solved", zap.Int("image_bytes", len(image)), zap.Int("text_len", len(cleaned)))
	return cleaned, nil
}

// credential returns a valid bearer token, reusing the cached one while it is
// outside the expiry grace window and performing a fresh exchange otherwise.
func (r *Resolver) credential(ctx context.Context) (string, error) {
	if r.cred != nil && r.now().Before(r.cred.Expiry.Add(-expiryGrace)) {
		return r.cred.Token, nil
	}

	assertion, err := r.signAssertion()
	if err != nil {
		return "", err
	}

	form := url.Values{
		"grant_type": {jwtGrantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &CredentialError{Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpc.Do(req)
	if err != nil {
		return "", &CredentialError{Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &CredentialError{Status: resp.StatusCode, Body: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &CredentialError{Status: resp.StatusCode, Body: string(body)}
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return "", &CredentialError{Status: resp.StatusCode, Body: err.Error()}
	}
	if token.AccessToken == "" {
		return "", &CredentialError{Status: resp.StatusCode, Body: string(body)}
	}

	expiresIn := token.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = int(assertionTTL / time.Second)
	}
	r.cred = &Credential{
		Token:  token.AccessToken,
		Expiry: r.now().Add(time.Duration(expiresIn) * time.Second),
	}
	r.log.Debug("access token refreshed", zap.Time("expiry", r.cred.Expiry))

	return r.cred.Token, nil
}

// signAssertion builds the RS256 service-account assertion: issuer and
// subject are the service identity, audience is the token endpoint, validity
// is one hour.
func (r *Resolver) signAssertion() (string, error) {
	if r.credentialsFile == "" {
		return "", &CredentialError{Body: "credentials file not configured"}
	}

	raw, err := os.ReadFile(r.credentialsFile)
	if err != nil {
		return "", &CredentialError{Body: fmt.Sprintf("credentials file not readable: %v", err)}
	}

	var sa serviceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return "", &CredentialError{Body: fmt.Sprintf("invalid JSON in credentials file: %v", err)}
	}
	if sa.PrivateKey == "" || sa.ClientEmail == "" {
		return "", &CredentialError{Body: "credentials file missing private_key or client_email"}
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return "", &CredentialError{Body: fmt.Sprintf("invalid private key: %v", err)}
	}

	now := r.now()
	claims := jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"sub":   sa.ClientEmail,
		"aud":   r.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionTTL).Unix(),
		"scope": visionScope,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", &CredentialError{Body: fmt.Sprintf("failed to sign assertion: %v", err)}
	}
	return signed, nil
}
