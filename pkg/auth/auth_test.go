package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	sig := SignBody("secret-a", body)

	assert.True(t, VerifySignature(sig, body, []string{"secret-a"}))
	assert.True(t, VerifySignature("sha256="+sig, body, []string{"secret-a"}))
	assert.False(t, VerifySignature(sig, body, []string{"secret-b"}))
	assert.False(t, VerifySignature(sig, []byte("tampered"), []string{"secret-a"}))
}

func TestVerifyAgainstRotatedSecrets(t *testing.T) {
	body := []byte("payload")
	oldSig := SignBody("old-secret", body)

	// During the grace window both secrets are candidates.
	assert.True(t, VerifySignature(oldSig, body, []string{"new-secret", "old-secret"}))
	// After grace only the new secret remains.
	assert.False(t, VerifySignature(oldSig, body, []string{"new-secret"}))
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	assert.False(t, VerifySignature("", []byte("x"), []string{"s"}))
	assert.False(t, VerifySignature("not-hex!", []byte("x"), []string{"s"}))
}

func TestTokenIssueAndVerify(t *testing.T) {
	svc, err := NewTokenService("test-secret", "chatmesh", "chatmesh-admin", time.Hour)
	require.NoError(t, err)

	token, err := svc.Issue("ops@example.com", "tenant-1", ScopeTenantOperator)
	require.NoError(t, err)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, ScopeTenantOperator, claims.Scope)
}

func TestTokenVerifyRejectsWrongSecret(t *testing.T) {
	issuer, err := NewTokenService("secret-one", "chatmesh", "chatmesh-admin", time.Hour)
	require.NoError(t, err)
	verifier, err := NewTokenService("secret-two", "chatmesh", "chatmesh-admin", time.Hour)
	require.NoError(t, err)

	token, err := issuer.Issue("x", "", ScopePlatformAdmin)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestTokenVerifyRejectsExpired(t *testing.T) {
	svc, err := NewTokenService("test-secret", "chatmesh", "chatmesh-admin", -time.Minute)
	require.NoError(t, err)

	token, err := svc.Issue("x", "", ScopePlatformAdmin)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.Error(t, err)
}

func TestTokenServiceRequiresSecret(t *testing.T) {
	_, err := NewTokenService("", "i", "a", time.Hour)
	assert.Error(t, err)
}
