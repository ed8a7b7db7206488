package nntp

import (
	"context"
	"errors"
	"strings"
)

/*
The pool never speaks NNTP itself. Whatever owns the wire protocol hands us
a Factory; the pool only needs to probe liveness and close connections.
*/

type Connection interface {
	Ping(ctx context.Context) error
	Close() error
}

// Factory dials a fresh connection to the named provider.
type Factory func(ctx context.Context, provider string) (Connection, error)

// ErrCapacity marks a creation failure caused by the provider refusing more
// sessions (e.g. "502 too many connections"). Factories should wrap it so
// the pool's breaker retries with backoff instead of failing outright.
var ErrCapacity = errors.New("provider connection capacity exhausted")

func IsCapacityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCapacity) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "too many connections") || strings.Contains(s, "connection limit")
}
