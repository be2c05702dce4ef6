package cerver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SessionTokenSize is the length of a session token.
// A CLIENT_AUTH payload of exactly this size is taken as a token.
const SessionTokenSize = sha256.Size * 2

// SessionIDGenerator creates session tokens.
// Tokens must be SessionTokenSize bytes long and unique.
type SessionIDGenerator func() (string, error)

// DefaultSessionID returns the hex SHA-256 of the current time and a random UUID.
func DefaultSessionID() (string, error) {
	nonce, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate session nonce err: %w", err)
	}
	sum := sha256.Sum256([]byte(strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + nonce.String()))
	return hex.EncodeToString(sum[:]), nil
}

func newSessionID(gen SessionIDGenerator) (string, error) {
	if gen == nil {
		gen = DefaultSessionID
	}
	token, err := gen()
	if err != nil {
		return "", err
	}
	if len(token) != SessionTokenSize {
		return "", fmt.Errorf("session token must be %d bytes but got %d", SessionTokenSize, len(token))
	}
	return token, nil
}
