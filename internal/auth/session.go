// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the cookie carrying the session token.
const CookieName = "auth_token"

// privateKey and publicKey are used for signing and verifying JWT tokens.
var (
	mu         sync.RWMutex
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	// tokenExpiry is how long issued tokens stay valid (0 => never).
	tokenExpiry time.Duration
)

// Init generates a fresh ed25519 key pair at runtime. Tokens issued before a restart become invalid.
func Init() {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		fmt.Printf("failed to generate ed25519 key pair: %v\n", err)
		os.Exit(1)
	}
	mu.Lock()
	publicKey, privateKey = pub, priv
	mu.Unlock()
}

// InitFromPath reads raw ed25519 private/public keys from file.
func InitFromPath(privatePath, publicPath string) error {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(privateKeyData) != ed25519.PrivateKeySize || len(publicKeyData) != ed25519.PublicKeySize {
		return fmt.Errorf("key files must hold raw ed25519 keys (%d and %d bytes)", ed25519.PrivateKeySize, ed25519.PublicKeySize)
	}

	mu.Lock()
	privateKey = ed25519.PrivateKey(privateKeyData)
	publicKey = ed25519.PublicKey(publicKeyData)
	mu.Unlock()
	return nil
}

// SetTokenExpiry sets the lifetime of tokens issued from now on. Zero disables expiry.
func SetTokenExpiry(d time.Duration) {
	mu.Lock()
	tokenExpiry = d
	mu.Unlock()
}

// CreateJWT creates a signed JWT token with "sub" = userID and, if an expiry is configured, "exp".
func CreateJWT(userID string) (string, error) {
	mu.RLock()
	defer mu.RUnlock()
	if privateKey == nil {
		return "", fmt.Errorf("auth keys not initialized")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
	}
	if tokenExpiry > 0 {
		claims["exp"] = now.Add(tokenExpiry).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(privateKey)
}

// AuthenticateJWT verifies a JWT string, returns the "sub" field if valid, else an error.
func AuthenticateJWT(tokenString string) (string, error) {
	mu.RLock()
	key := publicKey
	mu.RUnlock()

	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return "", fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid jwt claims")
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("missing sub in jwt")
	}

	return userID, nil
}
