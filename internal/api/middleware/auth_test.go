package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/taskpipe/internal/api/shared"
	"github.com/phrazzld/taskpipe/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestAuthMiddleware_Authenticate(t *testing.T) {
	t.Parallel()

	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	valid := signToken(t, jwt.SigningMethodHS256, []byte(testSecret),
		jwt.RegisteredClaims{Subject: "user-42", ExpiresAt: future})
	expired := signToken(t, jwt.SigningMethodHS256, []byte(testSecret),
		jwt.RegisteredClaims{Subject: "user-42", ExpiresAt: past})
	wrongKey := signToken(t, jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"),
		jwt.RegisteredClaims{Subject: "user-42", ExpiresAt: future})
	wrongAlg := signToken(t, jwt.SigningMethodHS512, []byte(testSecret),
		jwt.RegisteredClaims{Subject: "user-42", ExpiresAt: future})
	noExpiry := signToken(t, jwt.SigningMethodHS256, []byte(testSecret),
		jwt.RegisteredClaims{Subject: "user-42"})
	noSubject := signToken(t, jwt.SigningMethodHS256, []byte(testSecret),
		jwt.RegisteredClaims{ExpiresAt: future})

	tests := []struct {
		name            string
		authHeader      string
		expectedStatus  int
		expectedError   string
		expectedSubject string
	}{
		{
			name:            "valid token",
			authHeader:      "Bearer " + valid,
			expectedStatus:  http.StatusOK,
			expectedSubject: "user-42",
		},
		{
			name:           "missing auth header",
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "Authorization header required",
		},
		{
			name:           "invalid auth format",
			authHeader:     "Token " + valid,
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "Invalid authorization format",
		},
		{
			name:           "expired token",
			authHeader:     "Bearer " + expired,
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "Token expired",
		},
		{
			name:           "wrong key",
			authHeader:     "Bearer " + wrongKey,
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "Invalid token",
		},
		{
			name:           "wrong algorithm",
			authHeader:     "Bearer " + wrongAlg,
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "Invalid token",
		},
		{
			name:           "missing expiry",
			authHeader:     "Bearer " + noExpiry,
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "Invalid token",
		},
		{
			name:           "missing subject",
			authHeader:     "Bearer " + noSubject,
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "Token has no subject",
		},
		{
			name:           "garbage",
			authHeader:     "Bearer not.a.jwt",
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "Invalid token",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var captured string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured, _ = shared.GetSubject(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/api/task-events", nil)
			req = req.WithContext(logger.WithLogger(req.Context(), logger.Discard()))
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()

			NewAuthMiddleware(testSecret).Authenticate(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, tt.expectedSubject, captured)
				return
			}

			var body shared.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.expectedError, body.Error)
			assert.Empty(t, captured)
		})
	}
}

func TestTraceMiddleware(t *testing.T) {
	log, buf := logger.NewTestLogger(t)

	var traceID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("inside handler")
	})

	rec := httptest.NewRecorder()
	NewTraceMiddleware(log)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.NotEmpty(t, traceID)
	assert.Equal(t, traceID, rec.Header().Get(shared.TraceIDHeader))

	entry, found := buf.Find("inside handler")
	require.True(t, found)
	assert.Equal(t, traceID, entry["trace_id"])
}
