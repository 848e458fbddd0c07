package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = []byte("secret")

func authorized(t *testing.T, token string) (*httptest.ResponseRecorder, *Operator) {
	t.Helper()

	var seen *Operator
	handler := AuthMiddleware(key)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, err := OperatorFromContext(r.Context())
		require.NoError(t, err)
		seen = &op
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, seen
}

func TestAuthMiddleware(t *testing.T) {
	token, err := IssueToken(key, Operator{UserID: 5, Email: "ops@example.com", Role: RoleSocietyAdmin, SocietyID: 3}, time.Hour)
	require.NoError(t, err)

	rr, op := authorized(t, token)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, op)
	assert.Equal(t, uint(5), op.UserID)
	assert.Equal(t, uint(3), op.SocietyID)
	assert.True(t, op.CanAccessSociety(3))
	assert.False(t, op.CanAccessSociety(4))

	rr, op = authorized(t, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Nil(t, op)

	expired, err := IssueToken(key, Operator{UserID: 5, Role: RoleSocietyAdmin, SocietyID: 3}, -time.Minute)
	require.NoError(t, err)
	rr, _ = authorized(t, expired)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Администратору комплекса нужен society_id
	noSociety, err := IssueToken(key, Operator{UserID: 5, Role: RoleSocietyAdmin}, time.Hour)
	require.NoError(t, err)
	rr, _ = authorized(t, noSociety)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	super, err := IssueToken(key, Operator{UserID: 1, Role: RoleSuperAdmin}, time.Hour)
	require.NoError(t, err)
	rr, op = authorized(t, super)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, op.CanAccessSociety(42))
}
