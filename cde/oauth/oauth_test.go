package oauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestPkceS256(t *testing.T) {
	// Verifier and challenge from rfc 7636 appendix b.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.True(t, VerifyPkce(MethodS256, challenge, verifier))
	assert.False(t, VerifyPkce(MethodS256, challenge, verifier+"x"))
	assert.False(t, VerifyPkce(MethodS256, verifier, verifier))
}

func TestPkcePlain(t *testing.T) {
	assert.True(t, VerifyPkce(MethodPlain, "some-verifier", "some-verifier"))
	assert.False(t, VerifyPkce(MethodPlain, "some-verifier", "other"))
}

func TestPkceUnknownMethod(t *testing.T) {
	assert.False(t, VerifyPkce("S512", "challenge", "challenge"))
	assert.False(t, VerifyPkce("", "challenge", "challenge"))

	assert.True(t, ValidChallengeMethod(MethodS256))
	assert.True(t, ValidChallengeMethod(MethodPlain))
	assert.False(t, ValidChallengeMethod("S512"))
}

func TestNewCode(t *testing.T) {
	code1, hash1, err := NewCode()
	assert.NoError(t, err)
	code2, hash2, err := NewCode()
	assert.NoError(t, err)

	assert.NotEqual(t, code1, code2)
	assert.NotEqual(t, hash1, hash2)

	// 256 bits of entropy means 43 chars of url-safe base64.
	assert.GreaterOrEqual(t, len(code1), 43)

	assert.Equal(t, hash1, HashCode(code1))
	assert.Len(t, hash1, 64)
	assert.NotContains(t, hash1, code1)
}

func TestClientSecretRoundTrip(t *testing.T) {
	secret, hash, salt, iterations, err := NewClientSecret()
	assert.NoError(t, err)

	assert.GreaterOrEqual(t, len(salt), 16)
	assert.GreaterOrEqual(t, iterations, 100000)

	assert.True(t, VerifyClientSecret(secret, hash, salt, iterations))
	assert.False(t, VerifyClientSecret(secret+"x", hash, salt, iterations))
	assert.False(t, VerifyClientSecret("", hash, salt, iterations))

	// Public clients have no stored digest, nothing verifies against them.
	assert.False(t, VerifyClientSecret(secret, nil, nil, 0))
}

func TestHS256SignerRoundTrip(t *testing.T) {
	signer := NewHS256Signer([]byte("test-secret-for-access-tokens"), time.Hour)

	workspaceId := uuid.New()
	token, expiresIn, err := signer.Issue("user-subject", workspaceId, "client-abc", []string{"read", "write"})
	assert.NoError(t, err)
	assert.Equal(t, 3600, expiresIn)

	claims, err := signer.Verify(token)
	assert.NoError(t, err)
	assert.Equal(t, "user-subject", claims.Subject)
	assert.Equal(t, workspaceId.String(), claims.WorkspaceId)
	assert.Equal(t, "client-abc", claims.ClientId)
	assert.Equal(t, []string{"read", "write"}, claims.Scopes())

	_, err = signer.Verify(token + "tampered")
	assert.Error(t, err)

	other := NewHS256Signer([]byte("a-different-secret"), time.Hour)
	_, err = other.Verify(token)
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	signer := NewHS256Signer([]byte("test-secret-for-access-tokens"), -time.Minute)

	token, _, err := signer.Issue("user-subject", uuid.New(), "client-abc", nil)
	assert.NoError(t, err)

	_, err = signer.Verify(token)
	assert.Error(t, err)
}

func TestRS256SignerRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)

	keyPem := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	signer, err := NewRS256Signer(keyPem, time.Hour)
	assert.NoError(t, err)

	token, _, err := signer.Issue("user-subject", uuid.New(), "client-abc", []string{"read"})
	assert.NoError(t, err)

	claims, err := signer.Verify(token)
	assert.NoError(t, err)
	assert.Equal(t, "user-subject", claims.Subject)

	// Tokens from an hmac signer must not verify against the rsa signer.
	hsToken, _, err := NewHS256Signer([]byte("secret"), time.Hour).Issue("user-subject", uuid.New(), "client-abc", nil)
	assert.NoError(t, err)
	_, err = signer.Verify(hsToken)
	assert.Error(t, err)
}

func TestRS256SignerBadKey(t *testing.T) {
	_, err := NewRS256Signer([]byte("not a pem"), time.Hour)
	assert.Error(t, err)
}
