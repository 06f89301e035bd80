package operator

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("alice-key"), bcrypt.MinCost)
	require.NoError(t, err)
	return NewDirectory(map[string]string{"alice": string(hash)}, "test-secret", time.Hour)
}

func TestAuthenticate(t *testing.T) {
	d := newTestDirectory(t)

	t.Run("should accept the right key", func(t *testing.T) {
		assert.NoError(t, d.Authenticate("alice", "alice-key"))
	})

	t.Run("should reject the wrong key", func(t *testing.T) {
		err := d.Authenticate("alice", "guess")
		assert.True(t, errors.Is(err, ErrBadCredentials))
	})

	t.Run("should reject unknown operators", func(t *testing.T) {
		err := d.Authenticate("mallory", "alice-key")
		assert.True(t, errors.Is(err, ErrUnknownOperator))
	})

	t.Run("should produce hashes Authenticate accepts", func(t *testing.T) {
		hash, err := HashKey("bob-key")
		require.NoError(t, err)
		d := NewDirectory(map[string]string{"bob": hash}, "s", 0)
		assert.NoError(t, d.Authenticate("bob", "bob-key"))
	})
}

func TestTokens(t *testing.T) {
	t.Run("should round trip the operator id", func(t *testing.T) {
		d := newTestDirectory(t)
		token, err := d.IssueToken("alice")
		require.NoError(t, err)

		id, err := d.ParseToken(token)
		require.NoError(t, err)
		assert.Equal(t, "alice", id)
	})

	t.Run("should reject tokens signed with another secret", func(t *testing.T) {
		other := NewDirectory(nil, "other-secret", time.Hour)
		token, err := other.IssueToken("alice")
		require.NoError(t, err)

		_, err = newTestDirectory(t).ParseToken(token)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("should reject expired tokens", func(t *testing.T) {
		d := newTestDirectory(t)
		issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		d.now = func() time.Time { return issued }
		token, err := d.IssueToken("alice")
		require.NoError(t, err)

		d.now = func() time.Time { return issued.Add(2 * time.Hour) }
		_, err = d.ParseToken(token)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("should reject the none algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{OperatorID: "alice"})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = newTestDirectory(t).ParseToken(signed)
		assert.Error(t, err)
	})

	t.Run("should reject tokens without an operator id", func(t *testing.T) {
		d := newTestDirectory(t)
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		})
		signed, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = d.ParseToken(signed)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("should refuse without a secret", func(t *testing.T) {
		d := NewDirectory(nil, "", time.Hour)
		assert.False(t, d.Enabled())
		_, err := d.IssueToken("alice")
		assert.Equal(t, ErrNoSecret, err)
	})
}
