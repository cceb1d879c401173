// Package apikeys issues, parses and verifies the prefix/secret API keys used by endpoint agents.
package apikeys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/ocsafe/cyberguard/pkg/utils"
)

const (
	// Tag is the literal that starts every raw key.
	Tag = "oc_"
	// Delimiter separates the prefix from the secret. It is outside both the hex and base64url alphabets.
	Delimiter = "."

	// prefixBytes gives 64 bits of entropy: n issued keys collide with probability about n²/2^65.
	prefixBytes = 8
	// secretBytes gives 256 bits of entropy; the encoded secret (43 chars) stays under bcrypt's 72-byte limit.
	secretBytes = 32
)

// ErrMalformedKey is returned by Parse when the header is not "oc_<prefix>.<secret>".
var ErrMalformedKey = errors.New("malformed api key")

// Issued is the result of issuing a key. RawKey must be shown to the caller once and never stored.
type Issued struct {
	Prefix     string
	RawKey     string
	SecretHash string
}

// Credentials generates and verifies API key secrets using bcrypt.
type Credentials struct {
	cost int
}

// NewCredentials returns Credentials with the given bcrypt cost, clamped to bcrypt's valid range.
// A cost of 0 selects bcrypt.DefaultCost.
func NewCredentials(cost int) *Credentials {
	return &Credentials{cost: utils.BcryptCost(cost)}
}

// Cost returns the bcrypt cost in use.
func (c *Credentials) Cost() int { return c.cost }

// Issue generates a new prefix and secret and returns the raw key and the hash to persist.
func (c *Credentials) Issue() (Issued, error) {
	p := make([]byte, prefixBytes)
	if _, err := rand.Read(p); err != nil {
		return Issued{}, fmt.Errorf("generate prefix: %w", err)
	}
	s := make([]byte, secretBytes)
	if _, err := rand.Read(s); err != nil {
		return Issued{}, fmt.Errorf("generate secret: %w", err)
	}
	prefix := hex.EncodeToString(p)
	secret := base64.RawURLEncoding.EncodeToString(s)

	hash, err := c.hash(secret)
	if err != nil {
		return Issued{}, err
	}
	return Issued{
		Prefix:     prefix,
		RawKey:     Tag + prefix + Delimiter + secret,
		SecretHash: hash,
	}, nil
}

// Verify reports whether secret matches the stored bcrypt hash.
func (c *Credentials) Verify(secret, secretHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)) == nil
}

func (c *Credentials) hash(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), c.cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(b), nil
}

// Parse splits a raw header into prefix and secret. It performs no I/O.
func Parse(header string) (prefix, secret string, err error) {
	if !strings.HasPrefix(header, Tag) || strings.Count(header, Delimiter) != 1 {
		return "", "", ErrMalformedKey
	}
	prefix, secret, _ = strings.Cut(strings.TrimPrefix(header, Tag), Delimiter)
	if prefix == "" || secret == "" {
		return "", "", ErrMalformedKey
	}
	return prefix, secret, nil
}
