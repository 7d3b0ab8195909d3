// Package shared holds request decoding, response writing and context
// helpers used by the api package and its middleware.
package shared
