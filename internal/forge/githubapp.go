package forge

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v68/github"
)

// AppCredentials identifies a GitHub App installation, grounded on the
// reference codebase's internal/github.AppManager: same JWT-then
// installation-token exchange, trimmed to the single-installation case
// this deployment model needs (one coordination plane, one repo).
type AppCredentials struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPEM  string
}

// AppAuth signs short-lived App JWTs and exchanges them for cached
// installation access tokens, the same two-step dance GitHub requires
// before any REST or GraphQL call can act as the App rather than a
// personal account.
type AppAuth struct {
	creds      AppCredentials
	privateKey *rsa.PrivateKey

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewAppAuth parses creds.PrivateKeyPEM (PKCS1 or PKCS8) and returns an
// AppAuth ready to mint installation tokens.
func NewAppAuth(creds AppCredentials) (*AppAuth, error) {
	block, _ := pem.Decode([]byte(creds.PrivateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("decode github app private key: no PEM block found")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		generic, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse github app private key: pkcs1: %w, pkcs8: %w", err, err2)
		}
		rsaKey, ok := generic.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("github app private key is not RSA")
		}
		key = rsaKey
	}
	return &AppAuth{creds: creds, privateKey: key}, nil
}

// generateJWT signs an App-identity JWT that expires 9 minutes from now,
// inside GitHub's 10-minute maximum.
func (a *AppAuth) generateJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)), // tolerate clock skew
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", a.creds.AppID),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(a.privateKey)
}

// InstallationToken returns a cached installation access token, minting
// and caching a fresh one once the cached token is within 5 minutes of
// expiry.
func (a *AppAuth) InstallationToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cached != "" && time.Now().Add(5*time.Minute).Before(a.expiresAt) {
		return a.cached, nil
	}

	appJWT, err := a.generateJWT()
	if err != nil {
		return "", fmt.Errorf("sign github app jwt: %w", err)
	}

	url := fmt.Sprintf("https://api.github.com/app/installations/%d/access_tokens", a.creds.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("build installation token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("request installation token: %s: %s", resp.Status, string(body))
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode installation token response: %w", err)
	}

	a.cached = result.Token
	a.expiresAt = result.ExpiresAt
	return a.cached, nil
}

// Client returns a go-github REST client authenticated as the
// installation, suitable for passing straight into forge.New.
func (a *AppAuth) Client(ctx context.Context) (*github.Client, error) {
	token, err := a.InstallationToken(ctx)
	if err != nil {
		return nil, err
	}
	return github.NewClient(nil).WithAuthToken(token), nil
}
