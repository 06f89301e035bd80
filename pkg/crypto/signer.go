package crypto

import (
	"encoding/base64"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec"
	"github.com/pkg/errors"
)

// Signer produces signatures over hex-encoded digests
type Signer interface {
	Sign(digestHex string) (string, error)
	Verifier
}

// Verifier checks signatures produced by a Signer
type Verifier interface {
	Verify(digestHex, signature string) bool
}

// Secp256k1Signer is a software signer backed by a secp256k1 key.
// Signatures are DER encoded and returned as base64.
type Secp256k1Signer struct {
	priv *btcec.PrivateKey
	pub  *btcec.PublicKey
}

// NewSecp256k1Signer creates a signer with a freshly generated key
func NewSecp256k1Signer() (*Secp256k1Signer, error) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, errors.Wrap(err, "generate signing key")
	}
	return &Secp256k1Signer{priv: priv, pub: priv.PubKey()}, nil
}

// NewSecp256k1SignerFromHex loads a signer from a hex encoded private key
func NewSecp256k1SignerFromHex(keyHex string) (*Secp256k1Signer, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, errors.Wrap(err, "decode signing key")
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, errors.Errorf("signing key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
	}
	priv, pub := btcec.PrivKeyFromBytes(btcec.S256(), raw)
	return &Secp256k1Signer{priv: priv, pub: pub}, nil
}

// PublicKeyHex returns the compressed public key
func (s *Secp256k1Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub.SerializeCompressed())
}

// Sign signs the digest. The digest must be hex.
func (s *Secp256k1Signer) Sign(digestHex string) (string, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return "", errors.Wrap(err, "decode digest")
	}
	sig, err := s.priv.Sign(digest)
	if err != nil {
		return "", errors.Wrap(err, "sign digest")
	}
	return base64.StdEncoding.EncodeToString(sig.Serialize()), nil
}

// Verify reports whether signature is a valid signature of digestHex
func (s *Secp256k1Signer) Verify(digestHex, signature string) bool {
	return VerifySecp256k1(s.pub, digestHex, signature)
}

// PublicKeyVerifier verifies signatures against a known public key
// without holding the private half.
type PublicKeyVerifier struct {
	pub *btcec.PublicKey
}

// NewPublicKeyVerifier parses a hex encoded (compressed or uncompressed) key
func NewPublicKeyVerifier(pubHex string) (*PublicKeyVerifier, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, errors.Wrap(err, "decode public key")
	}
	pub, err := btcec.ParsePubKey(raw, btcec.S256())
	if err != nil {
		return nil, errors.Wrap(err, "parse public key")
	}
	return &PublicKeyVerifier{pub: pub}, nil
}

// Verify reports whether signature is valid for digestHex
func (v *PublicKeyVerifier) Verify(digestHex, signature string) bool {
	return VerifySecp256k1(v.pub, digestHex, signature)
}

// VerifySecp256k1 checks a base64 DER signature over a hex digest
func VerifySecp256k1(pub *btcec.PublicKey, digestHex, signature string) bool {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	sig, err := btcec.ParseDERSignature(raw, btcec.S256())
	if err != nil {
		return false
	}
	return sig.Verify(digest, pub)
}
