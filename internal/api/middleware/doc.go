// Package middleware provides HTTP middleware for the producer ingress:
// request tracing and bearer-token authentication.
package middleware
