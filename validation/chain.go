// Package validation holds the composable checks every protected endpoint
// runs before an engine acts: dynamic client registration, pushed
// authorization requests, authorize and token requests, private_key_jwt
// client assertions and mTLS holder-of-key binding.
//
// Checks are expressed as Rules over an input type and combined into a
// Chain that stops at the first failure. Failures are *protocol.Error
// values carrying the OAuth error code and HTTP status for the wire.
package validation

import (
	"context"
)

// Rule checks one aspect of an input
type Rule[T any] func(ctx context.Context, in T) error

// Chain runs rules in order and returns the first failure
type Chain[T any] []Rule[T]

// Validate runs the chain
func (c Chain[T]) Validate(ctx context.Context, in T) error {
	for _, rule := range c {
		if err := rule(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// With returns a new chain with rules appended
func (c Chain[T]) With(rules ...Rule[T]) Chain[T] {
	out := make(Chain[T], 0, len(c)+len(rules))
	out = append(out, c...)
	return append(out, rules...)
}
