// Package dedupe drops redelivered webhook events using a time-based,
// size-bounded cache of recently seen message ids.
package dedupe
