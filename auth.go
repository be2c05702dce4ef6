package cerver

import (
	"context"
)

//go:generate mockgen -destination internal/mock/authenticator_mock.go -package mock . Authenticator

// Authenticator checks the credentials an on hold connection presents.
type Authenticator interface {
	// Authenticate returns the identity bound to credentials,
	// or an error when they are rejected.
	// ctx is canceled when the server stops.
	Authenticate(ctx context.Context, credentials []byte) (identity interface{}, err error)
}

// AuthFunc adapts a function to the Authenticator interface.
type AuthFunc func(ctx context.Context, credentials []byte) (interface{}, error)

// Authenticate implements the Authenticator Authenticate method.
func (f AuthFunc) Authenticate(ctx context.Context, credentials []byte) (interface{}, error) {
	return f(ctx, credentials)
}

// DefaultAuthTries is used when ServerOption.MaxAuthTries is not set.
const DefaultAuthTries = 3
