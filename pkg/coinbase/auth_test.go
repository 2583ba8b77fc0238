package coinbase

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegacyAuthenticatorSignsRequest(t *testing.T) {
	l := NewLegacyAuthenticator("key", "c2VjcmV0", "pass")
	l.now = func() time.Time { return time.Unix(1700000000, 0) }

	req, err := http.NewRequest(http.MethodGet, "https://example.com/accounts", nil)
	require.NoError(t, err)
	require.NoError(t, l.AddAuthHeaders(req, http.MethodGet, "/accounts", ""))

	want, err := computeHMAC("1700000000GET/accounts", "c2VjcmV0")
	require.NoError(t, err)
	assert.Equal(t, want, req.Header.Get("CB-ACCESS-SIGN"))
	assert.Equal(t, "1700000000", req.Header.Get("CB-ACCESS-TIMESTAMP"))
	assert.Equal(t, "key", req.Header.Get("CB-ACCESS-KEY"))
	assert.Equal(t, "pass", req.Header.Get("CB-ACCESS-PASSPHRASE"))
}

func TestLegacyAuthenticatorRejectsBadSecret(t *testing.T) {
	l := NewLegacyAuthenticator("key", "not base64!", "pass")
	req, err := http.NewRequest(http.MethodGet, "https://example.com/accounts", nil)
	require.NoError(t, err)
	assert.Error(t, l.AddAuthHeaders(req, http.MethodGet, "/accounts", ""))
}

func testKeyPEM(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), key
}

func TestJWTAuthenticator(t *testing.T) {
	pemKey, key := testKeyPEM(t)
	name := "organizations/org/apiKeys/key"

	// escaped newlines as they appear in env files
	j, err := NewJWTAuthenticator(name, strings.ReplaceAll(pemKey, "\n", `\n`))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/orders?status=open", nil)
	require.NoError(t, err)
	require.NoError(t, j.AddAuthHeaders(req, http.MethodGet, "/orders?status=open", ""))

	raw := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	assert.Equal(t, name, claims["sub"])
	assert.Equal(t, "GET api.example.com/orders", claims["uri"])
}

func TestNewAuthenticator(t *testing.T) {
	a, err := NewAuthenticator(Credentials{})
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = NewAuthenticator(Credentials{APIKey: "k", APISecret: "s"})
	assert.Error(t, err)

	a, err = NewAuthenticator(Credentials{APIKey: "k", APISecret: "c2VjcmV0", Passphrase: "p"})
	require.NoError(t, err)
	assert.IsType(t, &LegacyAuthenticator{}, a)

	_, err = NewAuthenticator(Credentials{AuthType: AuthTypeJWT, APIKeyName: "bad", PrivateKeyPEM: "x"})
	assert.Error(t, err)

	_, err = NewAuthenticator(Credentials{AuthType: "oauth"})
	assert.Error(t, err)
}
