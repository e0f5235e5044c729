// Package hosting is a thin typed client over the hosting service's
// REST and GraphQL surfaces. It classifies every response into the rerr
// error taxonomy, tracks per-token rate-limit backoff, and never retries a
// non-idempotent write on its own — that decision belongs to the caller.
package hosting
