package platform

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
)

// WithSession connects, runs fn, and closes the session on every exit path,
// including panics in fn.
func WithSession(ctx context.Context, c Client, fn func(Session) error) (err error) {
	s, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s session: %w", c.Platform(), cerr)
		}
	}()
	return fn(s)
}

// MinPasswordLength is the shortest password GeneratePassword produces.
const MinPasswordLength = 8

const passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

// GeneratePassword returns a random alphanumeric password of at least
// MinPasswordLength characters. Look-alike characters are excluded since the
// password is typed by hand on phones.
func GeneratePassword(n int) (string, error) {
	if n < MinPasswordLength {
		n = MinPasswordLength
	}
	max := big.NewInt(int64(len(passwordAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b[i] = passwordAlphabet[idx.Int64()]
	}
	return string(b), nil
}

// PasswordOrGenerate returns pw, or a fresh generated password when pw is empty.
func PasswordOrGenerate(pw string) (string, error) {
	if pw != "" {
		return pw, nil
	}
	return GeneratePassword(10)
}
