package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sitebooks/sitebooks/internal/orgcontext"
)

// Authentication happens upstream. The gateway forwards the verified
// identity in these headers.
const (
	HeaderCompany       = "X-Company-ID"
	HeaderUserID        = "X-User-ID"
	HeaderUserRole      = "X-User-Role"
	HeaderApprovalLimit = "X-Approval-Limit"
	HeaderRequestID     = "X-Request-ID"
)

// CompanyContext requires a tenant on every request and injects it into the
// request context. Everything below the router is tenant scoped.
func (s *Server) CompanyContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyID, err := strconv.ParseInt(strings.TrimSpace(c.GetHeader(HeaderCompany)), 10, 64)
		if err != nil || companyID <= 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := orgcontext.WithCompanyID(c.Request.Context(), companyID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			c.Next()
			return
		}

		actor := orgcontext.Actor{
			UserID: userID,
			Role:   strings.TrimSpace(c.GetHeader(HeaderUserRole)),
		}
		if raw := strings.TrimSpace(c.GetHeader(HeaderApprovalLimit)); raw != "" {
			limit, err := strconv.ParseInt(raw, 10, 64)
			if err == nil && limit >= 0 {
				actor.ApprovalLimit = &limit
			}
		}

		ctx := orgcontext.WithActor(c.Request.Context(), actor)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := orgcontext.ActorFromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		for _, role := range s.approvalCfg.Get().AdminRoles {
			if strings.EqualFold(actor.Role, role) {
				c.Next()
				return
			}
		}
		AbortWithError(c, ErrForbidden)
	}
}
