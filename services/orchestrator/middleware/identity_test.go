// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the identity middleware

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// captureIdentity runs a request through the middleware and returns the
// identity a downstream handler would see.
func captureIdentity(t *testing.T, headers map[string]string) datatypes.CallerIdentity {
	t.Helper()
	var got datatypes.CallerIdentity
	router := gin.New()
	router.Use(IdentityMiddleware())
	router.GET("/", func(c *gin.Context) {
		got = GetCallerIdentity(c)
		c.Status(http.StatusOK)
	})

	req, err := http.NewRequest("GET", "/", nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	return got
}

func TestIdentityMiddleware_ReadsGatewayHeaders(t *testing.T) {
	identity := captureIdentity(t, map[string]string{
		"X-User-Id":   "user-42",
		"X-User-Role": "admin",
	})

	assert.Equal(t, "user-42", identity.UserID)
	assert.Equal(t, "admin", identity.Role)
	assert.False(t, identity.Anonymous())
}

func TestIdentityMiddleware_MissingHeadersAreAnonymous(t *testing.T) {
	identity := captureIdentity(t, nil)

	assert.Empty(t, identity.UserID)
	assert.Empty(t, identity.Role)
	assert.True(t, identity.Anonymous())
}

func TestIdentityMiddleware_RoleWithoutIDIsAnonymous(t *testing.T) {
	identity := captureIdentity(t, map[string]string{"X-User-Role": "user"})

	assert.Equal(t, "user", identity.Role)
	assert.True(t, identity.Anonymous())
}

func TestGetCallerIdentity_WithoutMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	identity := GetCallerIdentity(c)

	assert.True(t, identity.Anonymous())
}

func TestSetCallerIdentity_RoundTrip(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	want := datatypes.CallerIdentity{UserID: "user-7", Role: "user"}
	SetCallerIdentity(c, want)

	assert.Equal(t, want, GetCallerIdentity(c))
}
