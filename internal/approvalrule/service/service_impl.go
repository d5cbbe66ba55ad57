package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sitebooks/sitebooks/internal/approvalrule/domain"
	"github.com/sitebooks/sitebooks/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("approvalrule.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRuleRequest) (domain.ApprovalRule, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ApprovalRule{}, domain.ErrInvalidCompany
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.ApprovalRule{}, domain.ErrInvalidName
	}

	rule := domain.ApprovalRule{
		ID:              s.genID.Generate(),
		CompanyID:       companyID,
		Name:            name,
		Description:     strings.TrimSpace(req.Description),
		RuleType:        req.RuleType,
		IsActive:        req.IsActive,
		Priority:        req.Priority,
		Conditions:      req.Conditions,
		ApproverUserIDs: req.ApproverUserIDs,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if rule.Conditions == nil {
		rule.Conditions = []domain.Condition{}
	}
	if rule.ApproverUserIDs == nil {
		rule.ApproverUserIDs = []string{}
	}

	if err := validateRule(&rule); err != nil {
		return domain.ApprovalRule{}, err
	}

	if err := s.repo.Insert(ctx, s.db, &rule); err != nil {
		return domain.ApprovalRule{}, err
	}

	s.log.Info("approval rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("rule_type", string(rule.RuleType)),
		zap.Int("priority", rule.Priority),
	)
	return rule, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateRuleRequest) (domain.ApprovalRule, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ApprovalRule{}, domain.ErrInvalidCompany
	}

	id, err := parseID(req.ID)
	if err != nil {
		return domain.ApprovalRule{}, err
	}

	rule, err := s.repo.FindByID(ctx, s.db, companyID, id)
	if err != nil {
		return domain.ApprovalRule{}, err
	}
	if rule == nil {
		return domain.ApprovalRule{}, domain.ErrNotFound
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.ApprovalRule{}, domain.ErrInvalidName
		}
		rule.Name = name
	}
	if req.Description != nil {
		rule.Description = strings.TrimSpace(*req.Description)
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if req.Conditions != nil {
		rule.Conditions = req.Conditions
	}
	if req.ApproverUserIDs != nil {
		rule.ApproverUserIDs = req.ApproverUserIDs
	}
	rule.UpdatedAt = time.Now().UTC()

	if err := validateRule(rule); err != nil {
		return domain.ApprovalRule{}, err
	}

	// Invoices mid-chain on this rule keep their frozen step snapshot; the
	// edit only affects future selector runs.
	if err := s.repo.Update(ctx, s.db, rule); err != nil {
		return domain.ApprovalRule{}, err
	}

	s.log.Info("approval rule updated", zap.String("rule_id", rule.ID.String()))
	return *rule, nil
}

func (s *Service) Delete(ctx context.Context, req domain.GetRuleRequest) error {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ErrInvalidCompany
	}

	id, err := parseID(req.ID)
	if err != nil {
		return err
	}
	return s.repo.Delete(ctx, s.db, companyID, id)
}

func (s *Service) GetByID(ctx context.Context, req domain.GetRuleRequest) (domain.ApprovalRule, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ApprovalRule{}, domain.ErrInvalidCompany
	}

	id, err := parseID(req.ID)
	if err != nil {
		return domain.ApprovalRule{}, err
	}

	rule, err := s.repo.FindByID(ctx, s.db, companyID, id)
	if err != nil {
		return domain.ApprovalRule{}, err
	}
	if rule == nil {
		return domain.ApprovalRule{}, domain.ErrNotFound
	}
	return *rule, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRulesRequest) (domain.ListRulesResponse, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ListRulesResponse{}, domain.ErrInvalidCompany
	}

	items, err := s.repo.List(ctx, s.db, companyID, req.ActiveOnly)
	if err != nil {
		return domain.ListRulesResponse{}, err
	}

	rules := make([]domain.ApprovalRule, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		rules = append(rules, *item)
	}
	return domain.ListRulesResponse{Rules: rules}, nil
}

func (s *Service) ActiveRules(ctx context.Context, companyID int64) ([]*domain.ApprovalRule, error) {
	return s.repo.List(ctx, s.db, snowflake.ID(companyID), true)
}

// validateRule enforces the rule-type invariants and the per-field operator
// legality before a rule is stored.
func validateRule(rule *domain.ApprovalRule) error {
	switch rule.RuleType {
	case domain.RuleTypeUser, domain.RuleTypeUserCatchAll, domain.RuleTypeAutoApprove:
	default:
		return domain.ErrInvalidRuleType
	}

	if rule.RuleType == domain.RuleTypeAutoApprove && len(rule.ApproverUserIDs) > 0 {
		return domain.ErrAutoApproveApprovers
	}
	if rule.RuleType == domain.RuleTypeUserCatchAll && len(rule.Conditions) > 0 {
		return domain.ErrCatchAllConditions
	}
	if rule.RuleType != domain.RuleTypeAutoApprove && len(rule.ApproverUserIDs) == 0 {
		return domain.ErrMissingApprovers
	}

	seen := make(map[string]struct{}, len(rule.ApproverUserIDs))
	for _, userID := range rule.ApproverUserIDs {
		if strings.TrimSpace(userID) == "" {
			return domain.ErrMissingApprovers
		}
		if _, dup := seen[userID]; dup {
			return domain.ErrDuplicateApprover
		}
		seen[userID] = struct{}{}
	}

	for _, condition := range rule.Conditions {
		if condition.IsLegacy() {
			// Legacy rows stay readable; administration never rewrites them.
			continue
		}
		if !domain.OperatorLegalFor(condition.Field, condition.Operator) {
			return domain.ErrIllegalOperator
		}
	}
	return nil
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}
