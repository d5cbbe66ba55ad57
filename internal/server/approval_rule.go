package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	approvalruledomain "github.com/sitebooks/sitebooks/internal/approvalrule/domain"
	auditdomain "github.com/sitebooks/sitebooks/internal/audit/domain"
)

type createApprovalRuleRequest struct {
	Name            string                         `json:"name"`
	Description     string                         `json:"description"`
	RuleType        string                         `json:"rule_type"`
	Priority        int                            `json:"priority"`
	IsActive        *bool                          `json:"is_active"`
	Conditions      []approvalruledomain.Condition `json:"conditions"`
	ApproverUserIDs []string                       `json:"approver_user_ids"`
}

type updateApprovalRuleRequest struct {
	Name            *string                        `json:"name,omitempty"`
	Description     *string                        `json:"description,omitempty"`
	Priority        *int                           `json:"priority,omitempty"`
	IsActive        *bool                          `json:"is_active,omitempty"`
	Conditions      []approvalruledomain.Condition `json:"conditions,omitempty"`
	ApproverUserIDs []string                       `json:"approver_user_ids,omitempty"`
}

func (s *Server) CreateApprovalRule(c *gin.Context) {
	var req createApprovalRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	resp, err := s.ruleSvc.Create(c.Request.Context(), approvalruledomain.CreateRuleRequest{
		Name:            strings.TrimSpace(req.Name),
		Description:     strings.TrimSpace(req.Description),
		RuleType:        approvalruledomain.RuleType(strings.TrimSpace(req.RuleType)),
		Priority:        req.Priority,
		IsActive:        active,
		Conditions:      req.Conditions,
		ApproverUserIDs: req.ApproverUserIDs,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.auditRule(c, "approval_rule.create", resp.ID.String())
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListApprovalRules(c *gin.Context) {
	var query struct {
		ActiveOnly string `form:"active_only"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	activeOnly, err := parseOptionalBool(query.ActiveOnly)
	if err != nil {
		AbortWithError(c, newValidationError("active_only", "invalid_active_only", "invalid active_only"))
		return
	}

	resp, err := s.ruleSvc.List(c.Request.Context(), approvalruledomain.ListRulesRequest{
		ActiveOnly: activeOnly != nil && *activeOnly,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Rules})
}

func (s *Server) GetApprovalRuleByID(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	resp, err := s.ruleSvc.GetByID(c.Request.Context(), approvalruledomain.GetRuleRequest{ID: id})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateApprovalRule(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	var req updateApprovalRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ruleSvc.Update(c.Request.Context(), approvalruledomain.UpdateRuleRequest{
		ID:              id,
		Name:            trimStringPtr(req.Name),
		Description:     trimStringPtr(req.Description),
		Priority:        req.Priority,
		IsActive:        req.IsActive,
		Conditions:      req.Conditions,
		ApproverUserIDs: req.ApproverUserIDs,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.auditRule(c, "approval_rule.update", resp.ID.String())
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteApprovalRule(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if err := s.ruleSvc.Delete(c.Request.Context(), approvalruledomain.GetRuleRequest{ID: id}); err != nil {
		AbortWithError(c, err)
		return
	}

	s.auditRule(c, "approval_rule.delete", id)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) auditRule(c *gin.Context, action, ruleID string) {
	_ = s.auditSvc.AuditLog(c.Request.Context(), auditdomain.ActorTypeUser, nil, action, "approval_rule", &ruleID, nil)
}
