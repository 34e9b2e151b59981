// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Identity Flow
//
// The identity middleware reads the caller identity headers set by the
// API gateway and stores a CallerIdentity in the Gin context for
// downstream handlers. The orchestrator trusts the gateway; it performs
// no token validation of its own.
//
//	Request
//	   │
//	   ▼
//	IdentityMiddleware
//	   │
//	   ├─► Read X-User-Id and X-User-Role headers
//	   │
//	   └─► Store CallerIdentity in context
//	           │
//	           ▼
//	       Handler (retrieves via GetCallerIdentity)
//
// Requests without identity headers are treated as anonymous. The
// authority resolver downstream fails closed for anonymous callers, so
// an unauthenticated request can read public knowledge but no CRM data.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

// =============================================================================
// Context Keys
// =============================================================================

// callerIdentityKey is the context key for storing CallerIdentity.
// Using a typed key prevents collisions with other context values.
const callerIdentityKey = "relatia_caller_identity"

// =============================================================================
// Context Helpers
// =============================================================================

// SetCallerIdentity stores the caller identity in the Gin context.
//
// # Description
//
// Called by IdentityMiddleware after reading the gateway headers.
// The stored identity can be retrieved by handlers via GetCallerIdentity.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func SetCallerIdentity(c *gin.Context, identity datatypes.CallerIdentity) {
	c.Set(callerIdentityKey, identity)
}

// GetCallerIdentity retrieves the caller identity from the Gin context.
//
// # Description
//
// Returns the identity stored by IdentityMiddleware, or an anonymous
// identity if the middleware did not run.
//
// # Examples
//
//	func (h *handler) HandleRequest(c *gin.Context) {
//	    identity := middleware.GetCallerIdentity(c)
//	    if identity.Anonymous() {
//	        // public-data-only path
//	    }
//	}
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func GetCallerIdentity(c *gin.Context) datatypes.CallerIdentity {
	if v, exists := c.Get(callerIdentityKey); exists {
		if identity, ok := v.(datatypes.CallerIdentity); ok {
			return identity
		}
	}
	return datatypes.CallerIdentity{}
}

// =============================================================================
// Identity Middleware
// =============================================================================

// IdentityMiddleware creates a Gin middleware that extracts the caller
// identity from gateway headers.
//
// # Description
//
// Reads X-User-Id and X-User-Role and stores the resulting
// CallerIdentity in the context. Missing headers produce an anonymous
// identity; the request is never rejected here. Authorization decisions
// happen in the pipeline, where missing identity fails closed.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.IdentityMiddleware())
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		SetCallerIdentity(c, datatypes.CallerIdentity{
			UserID: c.GetHeader("X-User-Id"),
			Role:   c.GetHeader("X-User-Role"),
		})
		c.Next()
	}
}
