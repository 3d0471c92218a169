// Package command composes service-layer commands from a core handler and an
// ordered list of cross-cutting middlewares (idempotency, rate limit, mutex).
package command

import "context"

// Handler executes one command and returns its result.
type Handler[C, R any] func(ctx context.Context, cmd C) (R, error)

// Middleware wraps a Handler with a cross-cutting concern.
type Middleware[C, R any] func(next Handler[C, R]) Handler[C, R]

// Chain applies m so Chain(h, a, b) runs a, then b, then h.
func Chain[C, R any](h Handler[C, R], m ...Middleware[C, R]) Handler[C, R] {
	for i := len(m) - 1; i >= 0; i-- {
		if m[i] == nil {
			continue
		}
		h = m[i](h)
	}
	return h
}

// KeyFunc derives a resource or request key from a command. An empty result
// means the command carries no key.
type KeyFunc[C any] func(cmd C) string
