package auth

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndAuthenticate(t *testing.T) {
	Init()
	SetTokenExpiry(0)

	token, err := CreateJWT("user-1")
	require.NoError(t, err)

	sub, err := AuthenticateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)
}

func TestRejectsForeignAndExpiredTokens(t *testing.T) {
	Init()
	token, err := CreateJWT("user-1")
	require.NoError(t, err)

	// rotating keys invalidates earlier tokens
	Init()
	_, err = AuthenticateJWT(token)
	assert.Error(t, err)

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"})
	signed, err := hs.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = AuthenticateJWT(signed)
	assert.Error(t, err)

	SetTokenExpiry(time.Nanosecond)
	defer SetTokenExpiry(0)
	short, err := CreateJWT("user-1")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = AuthenticateJWT(short)
	assert.Error(t, err)
}

func TestInitFromPath(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "jwt.key")
	pubPath := filepath.Join(dir, "jwt.pub")
	require.NoError(t, os.WriteFile(privPath, priv, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pub, 0o644))

	require.NoError(t, InitFromPath(privPath, pubPath))
	token, err := CreateJWT("user-2")
	require.NoError(t, err)
	sub, err := AuthenticateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "user-2", sub)

	require.NoError(t, os.WriteFile(pubPath, []byte("short"), 0o644))
	assert.Error(t, InitFromPath(privPath, pubPath))
	assert.Error(t, InitFromPath(filepath.Join(dir, "missing"), pubPath))
}
