package coinbase

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthType represents the authentication method
type AuthType string

const (
	AuthTypeLegacy AuthType = "legacy"
	AuthTypeJWT    AuthType = "jwt"
)

// Authenticator signs REST requests and websocket subscriptions.
type Authenticator interface {
	AddAuthHeaders(req *http.Request, method, path, body string) error
	SignSubscription(sub *SubscribeMessage) error
}

// Credentials holds both credential styles; AuthType picks one.
type Credentials struct {
	AuthType      AuthType
	APIKey        string
	APISecret     string
	Passphrase    string
	APIKeyName    string
	PrivateKeyPEM string
}

// NewAuthenticator returns nil without error when no credentials are set, in
// which case only public endpoints and channels are usable.
func NewAuthenticator(c Credentials) (Authenticator, error) {
	switch c.AuthType {
	case AuthTypeJWT:
		if c.APIKeyName == "" && c.PrivateKeyPEM == "" {
			return nil, nil
		}
		if _, _, err := parseAPIKeyName(c.APIKeyName); err != nil {
			return nil, err
		}
		return NewJWTAuthenticator(c.APIKeyName, c.PrivateKeyPEM)
	case AuthTypeLegacy, "":
		if c.APIKey == "" && c.APISecret == "" {
			return nil, nil
		}
		if c.APIKey == "" || c.APISecret == "" || c.Passphrase == "" {
			return nil, fmt.Errorf("legacy auth needs api key, secret and passphrase")
		}
		return NewLegacyAuthenticator(c.APIKey, c.APISecret, c.Passphrase), nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", c.AuthType)
	}
}

// LegacyAuthenticator uses the traditional API Key/Secret/Passphrase
type LegacyAuthenticator struct {
	apiKey     string
	apiSecret  string
	passphrase string
	now        func() time.Time
}

func NewLegacyAuthenticator(apiKey, apiSecret, passphrase string) *LegacyAuthenticator {
	return &LegacyAuthenticator{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		now:        time.Now,
	}
}

func (l *LegacyAuthenticator) AddAuthHeaders(req *http.Request, method, path, body string) error {
	timestamp := strconv.FormatInt(l.now().Unix(), 10)
	signature, err := l.sign(method, path, body, timestamp)
	if err != nil {
		return err
	}

	req.Header.Set("CB-ACCESS-KEY", l.apiKey)
	req.Header.Set("CB-ACCESS-SIGN", signature)
	req.Header.Set("CB-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("CB-ACCESS-PASSPHRASE", l.passphrase)

	return nil
}

// SignSubscription signs the feed's self-verification request.
func (l *LegacyAuthenticator) SignSubscription(sub *SubscribeMessage) error {
	timestamp := strconv.FormatInt(l.now().Unix(), 10)
	signature, err := l.sign(http.MethodGet, "/users/self/verify", "", timestamp)
	if err != nil {
		return err
	}
	sub.Key = l.apiKey
	sub.Passphrase = l.passphrase
	sub.Timestamp = timestamp
	sub.Signature = signature
	return nil
}

func (l *LegacyAuthenticator) sign(method, path, body, timestamp string) (string, error) {
	message := timestamp + method + path + body
	return computeHMAC(message, l.apiSecret)
}

// computeHMAC signs message with the base64 encoded secret.
func computeHMAC(message, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("api secret is not valid base64: %w", err)
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// JWTAuthenticator uses the new JWT-based authentication
type JWTAuthenticator struct {
	apiKeyName string
	privateKey *ecdsa.PrivateKey
	now        func() time.Time
}

func NewJWTAuthenticator(apiKeyName, privateKeyPEM string) (*JWTAuthenticator, error) {
	// keys copied from env files often carry escaped newlines
	privateKeyPEM = strings.ReplaceAll(privateKeyPEM, `\n`, "\n")

	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an EC private key")
		}
	}

	return &JWTAuthenticator{
		apiKeyName: apiKeyName,
		privateKey: privateKey,
		now:        time.Now,
	}, nil
}

func (j *JWTAuthenticator) AddAuthHeaders(req *http.Request, method, path, body string) error {
	// the uri claim excludes the query string
	path, _, _ = strings.Cut(path, "?")
	token, err := j.generateJWT(method + " " + req.URL.Host + path)
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (j *JWTAuthenticator) SignSubscription(sub *SubscribeMessage) error {
	token, err := j.generateJWT("")
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}
	sub.JWT = token
	return nil
}

// generateJWT signs a short lived token; websocket tokens carry no uri.
func (j *JWTAuthenticator) generateJWT(uri string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	now := j.now()
	claims := jwt.MapClaims{
		"sub": j.apiKeyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
	}
	if uri != "" {
		claims["uri"] = uri
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = j.apiKeyName
	token.Header["nonce"] = nonce

	tokenString, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// parseAPIKeyName extracts the org ID and key ID from the API key name
func parseAPIKeyName(apiKeyName string) (orgID, keyID string, err error) {
	// Expected format: organizations/{org_id}/apiKeys/{key_id}
	parts := strings.Split(apiKeyName, "/")
	if len(parts) != 4 || parts[0] != "organizations" || parts[2] != "apiKeys" {
		return "", "", fmt.Errorf("invalid API key name format")
	}
	return parts[1], parts[3], nil
}
