// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agentcore

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAgentCore/pkg/extensions"
)

// AuthMiddleware validates the caller with provider and stores the
// identity in the request context.
//
// Description:
//
//	The token is read from "Authorization: Bearer <token>". Browser
//	EventSource and WebSocket clients cannot set headers, so the
//	access_token query parameter is accepted as a fallback. Rejected
//	requests get 401 with code UNAUTHORIZED.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("access_token")
		}
		info, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			writeError(c, handlerLogger(c, "AuthMiddleware"), err)
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(extensions.ContextWithAuth(c.Request.Context(), info))
		c.Next()
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
