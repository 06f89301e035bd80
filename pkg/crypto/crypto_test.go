package crypto_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/attestd/pkg/crypto"
)

func TestHashing(t *testing.T) {
	t.Run("should match sha256 hex", func(t *testing.T) {
		sum := sha256.Sum256([]byte("OnlyLeaf"))
		assert.Equal(t, hex.EncodeToString(sum[:]), crypto.HashString("OnlyLeaf"))
		assert.Len(t, crypto.HashString(""), 64)
	})

	t.Run("should hex encode the raw digest", func(t *testing.T) {
		digest := crypto.Digest([]byte("OnlyLeaf"))
		assert.Len(t, digest, sha256.Size)
		assert.Equal(t, hex.EncodeToString(digest), crypto.HashHex([]byte("OnlyLeaf")))
	})

	t.Run("should hash maps independent of insertion order", func(t *testing.T) {
		a := map[string]interface{}{"b": 1, "a": "x"}
		b := map[string]interface{}{"a": "x", "b": 1}

		ha, err := crypto.HashJSON(a)
		require.NoError(t, err)
		hb, err := crypto.HashJSON(b)
		require.NoError(t, err)
		assert.Equal(t, ha, hb)
	})
}

func TestSecp256k1Signer(t *testing.T) {
	signer, err := crypto.NewSecp256k1Signer()
	require.NoError(t, err)
	digest := crypto.HashString("approve op1")

	t.Run("should verify its own signature", func(t *testing.T) {
		sig, err := signer.Sign(digest)
		require.NoError(t, err)
		assert.True(t, signer.Verify(digest, sig))
	})

	t.Run("should reject signature over a different digest", func(t *testing.T) {
		sig, err := signer.Sign(digest)
		require.NoError(t, err)
		assert.False(t, signer.Verify(crypto.HashString("other"), sig))
	})

	t.Run("should reject garbage signatures", func(t *testing.T) {
		assert.False(t, signer.Verify(digest, "not-base64!"))
		assert.False(t, signer.Verify("zz", "AAAA"))
	})

	t.Run("should verify with public key only", func(t *testing.T) {
		verifier, err := crypto.NewPublicKeyVerifier(signer.PublicKeyHex())
		require.NoError(t, err)

		sig, err := signer.Sign(digest)
		require.NoError(t, err)
		assert.True(t, verifier.Verify(digest, sig))
	})

	t.Run("should reject non-hex digests when signing", func(t *testing.T) {
		_, err := signer.Sign("not hex")
		assert.Error(t, err)
	})
}

func TestSignerFromHex(t *testing.T) {
	t.Run("should load a 32 byte key", func(t *testing.T) {
		key := "0101010101010101010101010101010101010101010101010101010101010101"
		a, err := crypto.NewSecp256k1SignerFromHex(key)
		require.NoError(t, err)
		b, err := crypto.NewSecp256k1SignerFromHex(key)
		require.NoError(t, err)
		assert.Equal(t, a.PublicKeyHex(), b.PublicKeyHex())
	})

	t.Run("should reject short keys", func(t *testing.T) {
		_, err := crypto.NewSecp256k1SignerFromHex("0102")
		assert.Error(t, err)
	})
}

func TestEncryptor(t *testing.T) {
	t.Run("should reject empty key", func(t *testing.T) {
		_, err := crypto.NewEncryptor("")
		assert.Error(t, err)
	})

	t.Run("should round trip", func(t *testing.T) {
		enc, err := crypto.NewEncryptor("archive-key")
		require.NoError(t, err)

		sealed, err := enc.Encrypt([]byte("trail snapshot"))
		require.NoError(t, err)
		opened, err := enc.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "trail snapshot", string(opened))
	})

	t.Run("should use a fresh nonce per call", func(t *testing.T) {
		enc, err := crypto.NewEncryptor("archive-key")
		require.NoError(t, err)

		a, err := enc.Encrypt([]byte("same"))
		require.NoError(t, err)
		b, err := enc.Encrypt([]byte("same"))
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("should fail on tampered ciphertext", func(t *testing.T) {
		enc, err := crypto.NewEncryptor("archive-key")
		require.NoError(t, err)

		sealed, err := enc.Encrypt([]byte("trail snapshot"))
		require.NoError(t, err)
		sealed[len(sealed)-1] ^= 0xff
		_, err = enc.Decrypt(sealed)
		assert.Error(t, err)

		_, err = enc.Decrypt([]byte{1, 2})
		assert.Error(t, err)
	})
}
