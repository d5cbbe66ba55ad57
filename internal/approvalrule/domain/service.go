package domain

import (
	"context"
	"errors"
)

type CreateRuleRequest struct {
	Name            string
	Description     string
	RuleType        RuleType
	Priority        int
	IsActive        bool
	Conditions      []Condition
	ApproverUserIDs []string
}

type UpdateRuleRequest struct {
	ID              string
	Name            *string
	Description     *string
	Priority        *int
	IsActive        *bool
	Conditions      []Condition
	ApproverUserIDs []string
}

type GetRuleRequest struct {
	ID string
}

type ListRulesRequest struct {
	ActiveOnly bool
}

type ListRulesResponse struct {
	Rules []ApprovalRule `json:"rules"`
}

// Service is the rule administration surface. Changing a rule affects only
// future selector runs: invoices already mid-chain keep the snapshot taken
// at submission.
type Service interface {
	Create(context.Context, CreateRuleRequest) (ApprovalRule, error)
	Update(context.Context, UpdateRuleRequest) (ApprovalRule, error)
	Delete(context.Context, GetRuleRequest) error
	GetByID(context.Context, GetRuleRequest) (ApprovalRule, error)
	List(context.Context, ListRulesRequest) (ListRulesResponse, error)

	// ActiveRules loads the selector's input set for a company.
	ActiveRules(ctx context.Context, companyID int64) ([]*ApprovalRule, error)
}

var (
	ErrInvalidCompany       = errors.New("invalid_company")
	ErrInvalidID            = errors.New("invalid_id")
	ErrInvalidName          = errors.New("invalid_name")
	ErrInvalidRuleType      = errors.New("invalid_rule_type")
	ErrIllegalOperator      = errors.New("illegal_operator")
	ErrDuplicateApprover    = errors.New("duplicate_approver")
	ErrCatchAllConditions   = errors.New("catch_all_conditions")
	ErrAutoApproveApprovers = errors.New("auto_approve_approvers")
	ErrMissingApprovers     = errors.New("missing_approvers")
	ErrEmptyApproverChain   = errors.New("empty_approver_chain")
	ErrNotFound             = errors.New("not_found")
)
