// Package auth issues and validates JWT access tokens, opaque refresh
// tokens, and hashes/verifies passwords with argon2id.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/racewire/racecontrol/apperr"
)

// Claims is the access token payload. Permissions are embedded directly
// rather than a single role name, since a user's effective permissions
// are the union over all assigned roles (store.User.Permissions).
type Claims struct {
	jwt.RegisteredClaims
	SessionID   uuid.UUID `json:"sid"`
	Permissions []string  `json:"perms"`
}

// IssueAccessToken creates a signed HS256 JWT for the given user/session,
// valid for ttl.
func IssueAccessToken(secret []byte, userID int64, sessionID uuid.UUID, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID:   sessionID,
		Permissions: permissions,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseAccessToken validates the token signature and expiry, returning
// its claims.
func ParseAccessToken(secret []byte, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", apperr.ErrAuthFailure)
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrAuthFailure, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", apperr.ErrAuthFailure)
	}
	return claims, nil
}

// GenerateRefreshToken returns a cryptographically random 32-byte
// base64url string, stored in SessionStore opaquely (never parsed).
func GenerateRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Params tunes the argon2id KDF. Defaults take the memory (64 MiB),
// iteration (3), salt and key sizes of RFC 9106's second recommendation
// but use 2 lanes instead of its 4: enough memory cost to resist GPU
// cracking without starving the worker pool that runs hashing off the
// event loop.
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

// DefaultParams is used when the caller has no config-driven override.
var DefaultParams = Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// Hasher hashes and verifies passwords against Params, encoded as a PHC
// string so the parameters travel with the hash and can be tightened
// over time without invalidating already-stored hashes.
type Hasher struct {
	params Params
}

// NewHasher returns a Hasher using p. The zero Params is replaced by
// DefaultParams.
func NewHasher(p Params) *Hasher {
	if p == (Params{}) {
		p = DefaultParams
	}
	return &Hasher{params: p}
}

// HashPassword returns a PHC-encoded argon2id hash of password:
// $argon2id$v=19$m=<memory>,t=<iterations>,p=<parallelism>$<salt>$<hash>
func (h *Hasher) HashPassword(password string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLen)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory, h.params.Iterations, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, nil
}

// CheckPassword reports whether password matches the PHC-encoded hash.
func (h *Hasher) CheckPassword(encoded, password string) (bool, error) {
	params, salt, key, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(candidate, key) == 1, nil
}

// NeedsRehash reports whether encoded was produced with parameters
// weaker than h's current Params — callers rehash on next successful
// login rather than forcing a mass migration.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	params, _, _, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	return params.Memory < h.params.Memory ||
		params.Iterations < h.params.Iterations ||
		params.Parallelism < h.params.Parallelism, nil
}

func decodePHC(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Params{}, nil, nil, fmt.Errorf("%w: malformed password hash", apperr.ErrAuthFailure)
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: malformed password hash version", apperr.ErrAuthFailure)
	}
	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: malformed password hash params", apperr.ErrAuthFailure)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: malformed password hash salt", apperr.ErrAuthFailure)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: malformed password hash key", apperr.ErrAuthFailure)
	}
	return p, salt, key, nil
}
