package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxRequestBodyBytes caps the size of a decoded request body.
const MaxRequestBodyBytes = 1 << 20

// ErrInvalidBody is returned when a request body is not a single JSON value.
var ErrInvalidBody = errors.New("invalid request body")

// DecodeJSON decodes the request body into v. The body must hold exactly one
// JSON value no larger than MaxRequestBodyBytes.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after JSON value", ErrInvalidBody)
	}
	return nil
}
