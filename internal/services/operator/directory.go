// Package operator authenticates operators and issues their session tokens.
package operator

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrBadCredentials  = errors.New("invalid operator credentials")
	ErrInvalidToken    = errors.New("invalid operator token")
	ErrNoSecret        = errors.New("token signing secret not configured")
)

// Claims are the JWT claims carried by an operator token
type Claims struct {
	OperatorID string `json:"operator_id"`
	jwt.RegisteredClaims
}

// Directory maps operator ids to bcrypt hashes of their API keys
type Directory struct {
	creds  map[string]string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewDirectory copies creds; the caller may reuse the map
func NewDirectory(creds map[string]string, secret string, ttl time.Duration) *Directory {
	copied := make(map[string]string, len(creds))
	for id, hash := range creds {
		copied[id] = hash
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Directory{
		creds:  copied,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Enabled reports whether tokens can be issued and checked. A nil
// directory is disabled.
func (d *Directory) Enabled() bool {
	return d != nil && len(d.secret) > 0
}

// HashKey returns the bcrypt hash stored for an API key
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash operator key")
	}
	return string(hash), nil
}

// Authenticate checks key against the stored hash for id
func (d *Directory) Authenticate(id, key string) error {
	hash, ok := d.creds[id]
	if !ok {
		return errors.Wrapf(ErrUnknownOperator, "operator %s", id)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return ErrBadCredentials
	}
	return nil
}

// IssueToken signs an HS256 token for id
func (d *Directory) IssueToken(id string) (string, error) {
	if !d.Enabled() {
		return "", ErrNoSecret
	}
	now := d.now()
	claims := &Claims{
		OperatorID: id,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign operator token")
	}
	return signed, nil
}

// ParseToken validates a token and returns its operator id
func (d *Directory) ParseToken(tokenString string) (string, error) {
	if !d.Enabled() {
		return "", ErrNoSecret
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return d.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(d.now),
	)
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !token.Valid || claims.OperatorID == "" {
		return "", ErrInvalidToken
	}
	return claims.OperatorID, nil
}
