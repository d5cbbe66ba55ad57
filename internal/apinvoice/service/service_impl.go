package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sitebooks/sitebooks/internal/apinvoice/domain"
	ruledomain "github.com/sitebooks/sitebooks/internal/approvalrule/domain"
	auditdomain "github.com/sitebooks/sitebooks/internal/audit/domain"
	"github.com/sitebooks/sitebooks/internal/config"
	"github.com/sitebooks/sitebooks/internal/export"
	obsmetrics "github.com/sitebooks/sitebooks/internal/observability/metrics"
	"github.com/sitebooks/sitebooks/internal/orgcontext"
	"github.com/sitebooks/sitebooks/pkg/db"
	"github.com/sitebooks/sitebooks/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        domain.Repository
	Rules       ruledomain.Service
	Audit       auditdomain.Service
	Export      export.Collaborator
	ApprovalCfg *config.ApprovalConfigHolder
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	rules       ruledomain.Service
	audit       auditdomain.Service
	export      export.Collaborator
	approvalCfg *config.ApprovalConfigHolder
	obsMetrics  *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("apinvoice.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		rules:       p.Rules,
		audit:       p.Audit,
		export:      p.Export,
		approvalCfg: p.ApprovalCfg,
		obsMetrics:  p.Metrics,
	}
}


func (s *Service) CreateDraft(ctx context.Context, req domain.CreateDraftRequest) (domain.ApInvoice, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ApInvoice{}, domain.ErrInvalidCompany
	}

	now := time.Now().UTC()
	invoice := domain.ApInvoice{
		ID:            s.genID.Generate(),
		CompanyID:     companyID,
		InvoiceNumber: strings.TrimSpace(req.InvoiceNumber),
		SupplierID:    strings.TrimSpace(req.SupplierID),
		TotalInc:      req.TotalInc,
		Status:        domain.StatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if capexID := strings.TrimSpace(req.CapexRequestID); capexID != "" {
		parsed, err := snowflake.ParseString(capexID)
		if err != nil {
			return domain.ApInvoice{}, domain.ErrInvalidID
		}
		invoice.CapexRequestID = &parsed
	}

	lines := s.buildLines(invoice, req.Lines)
	if err := s.repo.Insert(ctx, s.db, &invoice, lines); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ApInvoice{}, domain.ErrDuplicateInvoice
		}
		return domain.ApInvoice{}, err
	}

	_ = s.auditInvoice(ctx, auditdomain.ActorTypeUser, nil, "invoice.create", invoice.ID, nil)
	return invoice, nil
}

func (s *Service) GetByID(ctx context.Context, req domain.GetInvoiceRequest) (domain.ApInvoice, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ApInvoice{}, domain.ErrInvalidCompany
	}

	id, err := parseID(req.ID)
	if err != nil {
		return domain.ApInvoice{}, err
	}

	invoice, err := s.repo.FindByID(ctx, s.db, companyID, id)
	if err != nil {
		return domain.ApInvoice{}, err
	}
	if invoice == nil {
		return domain.ApInvoice{}, domain.ErrNotFound
	}
	return *invoice, nil
}

// Update edits invoice details. Editing a REJECTED invoice returns it to
// DRAFT; editing a PENDING_REVIEW invoice whose routed fields changed
// re-runs rule selection with a fresh chain. Invoices past approval are
// immutable here.
func (s *Service) Update(ctx context.Context, req domain.UpdateInvoiceRequest) (domain.ApInvoice, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ApInvoice{}, domain.ErrInvalidCompany
	}

	id, err := parseID(req.ID)
	if err != nil {
		return domain.ApInvoice{}, err
	}

	// Selection input is read ahead of the transaction; the guarded
	// transition inside catches anything that moved meanwhile.
	rules, err := s.rules.ActiveRules(ctx, int64(companyID))
	if err != nil {
		return domain.ApInvoice{}, err
	}

	var updated domain.ApInvoice
	err = s.db.Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.FindByID(ctx, tx, companyID, id)
		if err != nil {
			return err
		}
		if invoice == nil {
			return domain.ErrNotFound
		}

		switch invoice.Status {
		case domain.StatusDraft, domain.StatusPendingReview, domain.StatusRejected:
		default:
			return domain.ErrInvalidTransition
		}

		material := false
		if req.InvoiceNumber != nil {
			invoice.InvoiceNumber = strings.TrimSpace(*req.InvoiceNumber)
		}
		if req.SupplierID != nil && strings.TrimSpace(*req.SupplierID) != invoice.SupplierID {
			invoice.SupplierID = strings.TrimSpace(*req.SupplierID)
			material = true
		}
		if req.TotalInc != nil && *req.TotalInc != invoice.TotalInc {
			invoice.TotalInc = *req.TotalInc
			material = true
		}
		if req.Lines != nil {
			lines := s.buildLines(*invoice, req.Lines)
			if err := s.repo.ReplaceLines(ctx, tx, companyID, invoice.ID, lines); err != nil {
				return err
			}
			material = true
		}

		if invoice.Status == domain.StatusRejected {
			// Editing a rejected invoice restarts its lifecycle.
			ok, err := s.repo.Transition(ctx, tx, companyID, invoice.ID, domain.StatusRejected, nil, domain.TransitionUpdate{
				Status: domain.StatusDraft,
			})
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrStaleState
			}
			// The rejected chain is history now; retire it whole so the
			// next submission starts the read model clean.
			if err := s.repo.SupersedeChain(ctx, tx, companyID, invoice.ID); err != nil {
				return err
			}
			invoice.Status = domain.StatusDraft
			invoice.AssigneeUserID = nil
			invoice.ApprovalRuleID = nil
			invoice.ApprovalStepIndex = nil
			invoice.RejectionReason = nil
		}

		if err := s.repo.UpdateDetails(ctx, tx, invoice); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrDuplicateInvoice
			}
			return err
		}

		if material && invoice.Status == domain.StatusPendingReview {
			if _, err := s.route(ctx, tx, invoice, rules, invoice.Status, invoice.ApprovalStepIndex); err != nil {
				return err
			}
		}

		refreshed, err := s.repo.FindByID(ctx, tx, companyID, invoice.ID)
		if err != nil {
			return err
		}
		updated = *refreshed
		return nil
	})
	if err != nil {
		return domain.ApInvoice{}, err
	}

	_ = s.auditInvoice(ctx, auditdomain.ActorTypeUser, nil, "invoice.update", updated.ID, nil)
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, req domain.GetInvoiceRequest) error {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ErrInvalidCompany
	}

	id, err := parseID(req.ID)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, s.db, companyID, id); err != nil {
		return err
	}

	_ = s.auditInvoice(ctx, auditdomain.ActorTypeUser, nil, "invoice.delete", id, nil)
	return nil
}

func (s *Service) List(ctx context.Context, req domain.ListInvoicesRequest) (domain.ListInvoicesResponse, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ListInvoicesResponse{}, domain.ErrInvalidCompany
	}

	filter := domain.ListFilter{Status: req.Status}
	if req.WaitingOnMe {
		actor, ok := orgcontext.ActorFromContext(ctx)
		if !ok {
			return domain.ListInvoicesResponse{}, domain.ErrMissingActor
		}
		filter.Status = domain.StatusPendingReview
		filter.AssigneeID = actor.UserID
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 25
	}

	items, err := s.repo.List(ctx, s.db, companyID, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  pageSize,
	})
	if err != nil {
		return domain.ListInvoicesResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(invoice *domain.ApInvoice) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        invoice.ID.String(),
			CreatedAt: invoice.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	invoices := make([]domain.ApInvoice, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		invoices = append(invoices, *item)
	}

	return domain.ListInvoicesResponse{PageInfo: *pageInfo, Invoices: invoices}, nil
}


// Submit routes a DRAFT invoice. Selection, chain building and the status
// change commit in one transaction: a crash leaves the invoice in DRAFT,
// never routed-but-unassigned.
func (s *Service) Submit(ctx context.Context, id string) (domain.SubmitResult, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.SubmitResult{}, domain.ErrInvalidCompany
	}

	invoiceID, err := parseID(id)
	if err != nil {
		return domain.SubmitResult{}, err
	}

	rules, err := s.rules.ActiveRules(ctx, int64(companyID))
	if err != nil {
		return domain.SubmitResult{}, err
	}

	var result domain.SubmitResult
	err = s.db.Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.FindByID(ctx, tx, companyID, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return domain.ErrNotFound
		}
		if invoice.Status != domain.StatusDraft {
			return domain.ErrInvalidTransition
		}

		outcome, err := s.route(ctx, tx, invoice, rules, domain.StatusDraft, nil)
		if err != nil {
			return err
		}

		refreshed, err := s.repo.FindByID(ctx, tx, companyID, invoiceID)
		if err != nil {
			return err
		}
		result = domain.SubmitResult{Invoice: *refreshed, RoutingGap: outcome.routingGap}
		return nil
	})
	if err != nil {
		return domain.SubmitResult{}, err
	}

	s.afterRouting(ctx, result)
	return result, nil
}

type routeOutcome struct {
	routingGap   bool
	autoApproved bool
	ruleID       *snowflake.ID
}

// route runs selection and chain building for an invoice and applies the
// resulting transition, guarded on the status (and step) the invoice held
// when it was loaded.
func (s *Service) route(ctx context.Context, tx *gorm.DB, invoice *domain.ApInvoice, rules []*ruledomain.ApprovalRule, fromStatus domain.InvoiceStatus, fromStep *int) (routeOutcome, error) {
	lines, err := s.repo.FindLines(ctx, tx, invoice.CompanyID, invoice.ID)
	if err != nil {
		return routeOutcome{}, err
	}

	rule := ruledomain.SelectRule(buildSnapshot(*invoice, lines), rules)

	// Any re-route supersedes the previous chain whole, decided steps
	// included: one visible chain per submission.
	if err := s.repo.SupersedeChain(ctx, tx, invoice.CompanyID, invoice.ID); err != nil {
		return routeOutcome{}, err
	}

	if rule == nil {
		ok, err := s.repo.Transition(ctx, tx, invoice.CompanyID, invoice.ID, fromStatus, fromStep, domain.TransitionUpdate{
			Status: domain.StatusPendingReview,
		})
		if err != nil {
			return routeOutcome{}, err
		}
		if !ok {
			return routeOutcome{}, domain.ErrStaleState
		}
		return routeOutcome{routingGap: true}, nil
	}

	chain, err := ruledomain.BuildChain(rule)
	if err != nil {
		return routeOutcome{}, err
	}

	ruleID := rule.ID
	if chain.AutoApprove {
		ok, err := s.repo.Transition(ctx, tx, invoice.CompanyID, invoice.ID, fromStatus, fromStep, domain.TransitionUpdate{
			Status:         domain.StatusApproved,
			ApprovalRuleID: &ruleID,
		})
		if err != nil {
			return routeOutcome{}, err
		}
		if !ok {
			return routeOutcome{}, domain.ErrStaleState
		}
		return routeOutcome{autoApproved: true, ruleID: &ruleID}, nil
	}

	now := time.Now().UTC()
	steps := make([]*domain.ApprovalStep, 0, len(chain.Approvers))
	for index, approver := range chain.Approvers {
		steps = append(steps, &domain.ApprovalStep{
			ID:             s.genID.Generate(),
			InvoiceID:      invoice.ID,
			CompanyID:      invoice.CompanyID,
			StepIndex:      index,
			ApproverUserID: approver,
			Status:         domain.StepPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	if err := s.repo.InsertSteps(ctx, tx, steps); err != nil {
		return routeOutcome{}, err
	}

	firstStep := 0
	assignee := chain.Approvers[0]
	ok, err := s.repo.Transition(ctx, tx, invoice.CompanyID, invoice.ID, fromStatus, fromStep, domain.TransitionUpdate{
		Status:            domain.StatusPendingReview,
		AssigneeUserID:    &assignee,
		ApprovalRuleID:    &ruleID,
		ApprovalStepIndex: &firstStep,
	})
	if err != nil {
		return routeOutcome{}, err
	}
	if !ok {
		return routeOutcome{}, domain.ErrStaleState
	}
	return routeOutcome{ruleID: &ruleID}, nil
}

func (s *Service) afterRouting(ctx context.Context, result domain.SubmitResult) {
	invoice := result.Invoice
	obsmetrics.Workflow().IncTransition(string(domain.StatusDraft), string(invoice.Status))
	switch {
	case result.RoutingGap:
		s.log.Warn("no approval rule matched; invoice left unassigned",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("company_id", invoice.CompanyID.String()),
		)
		s.obsMetrics.RecordRoutingGap(ctx)
		_ = s.auditInvoice(ctx, auditdomain.ActorTypeSystem, nil, "invoice.routing_gap", invoice.ID, nil)
	case invoice.Status == domain.StatusApproved:
		// Auto-approval is attributed to the rule, not a person.
		var ruleID *string
		if invoice.ApprovalRuleID != nil {
			value := invoice.ApprovalRuleID.String()
			ruleID = &value
		}
		s.obsMetrics.RecordAutoApprove(ctx)
		_ = s.auditInvoice(ctx, auditdomain.ActorTypeRule, ruleID, "invoice.auto_approved", invoice.ID, nil)
		s.notifyCapex(ctx, invoice)
	default:
		s.obsMetrics.RecordSubmit(ctx)
		_ = s.auditInvoice(ctx, auditdomain.ActorTypeUser, nil, "invoice.submit", invoice.ID, map[string]any{
			"assignee_user_id": deref(invoice.AssigneeUserID),
		})
	}
}

// Approve records the current step's approval and either advances the
// chain or finishes the invoice. A concurrent decision on the same step
// loses with a stale-state failure.
func (s *Service) Approve(ctx context.Context, id string) (domain.ApInvoice, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ApInvoice{}, domain.ErrInvalidCompany
	}
	actor, ok := orgcontext.ActorFromContext(ctx)
	if !ok {
		return domain.ApInvoice{}, domain.ErrMissingActor
	}

	invoiceID, err := parseID(id)
	if err != nil {
		return domain.ApInvoice{}, err
	}

	var approved domain.ApInvoice
	err = s.db.Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.FindByID(ctx, tx, companyID, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return domain.ErrNotFound
		}
		if invoice.Status != domain.StatusPendingReview {
			return domain.ErrInvalidTransition
		}
		if invoice.ApprovalStepIndex == nil {
			// Routed with a gap, or an approver was removed from the
			// tenant mid-chain. Either way administration must intervene.
			return domain.ErrRoutingGap
		}
		if err := s.authorizeDecision(actor, *invoice); err != nil {
			return err
		}

		stepIndex := *invoice.ApprovalStepIndex
		step, err := s.repo.FindPendingStep(ctx, tx, companyID, invoiceID, stepIndex)
		if err != nil {
			return err
		}
		if step == nil {
			return domain.ErrRoutingGap
		}

		decided, err := s.repo.DecideStep(ctx, tx, step.ID, domain.StepApproved, actor.UserID, nil)
		if err != nil {
			return err
		}
		if !decided {
			return domain.ErrStaleState
		}

		next, err := s.repo.FindPendingStep(ctx, tx, companyID, invoiceID, stepIndex+1)
		if err != nil {
			return err
		}

		var update domain.TransitionUpdate
		if next != nil {
			nextIndex := stepIndex + 1
			update = domain.TransitionUpdate{
				Status:            domain.StatusPendingReview,
				AssigneeUserID:    &next.ApproverUserID,
				ApprovalRuleID:    invoice.ApprovalRuleID,
				ApprovalStepIndex: &nextIndex,
			}
		} else {
			update = domain.TransitionUpdate{
				Status:         domain.StatusApproved,
				ApprovalRuleID: invoice.ApprovalRuleID,
			}
		}

		ok, err := s.repo.Transition(ctx, tx, companyID, invoiceID, domain.StatusPendingReview, &stepIndex, update)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrStaleState
		}

		refreshed, err := s.repo.FindByID(ctx, tx, companyID, invoiceID)
		if err != nil {
			return err
		}
		approved = *refreshed
		return nil
	})
	if err != nil {
		obsmetrics.Workflow().IncDecisionError("approve", err)
		return domain.ApInvoice{}, err
	}

	s.obsMetrics.RecordDecision(ctx, "approved")
	_ = s.auditInvoice(ctx, auditdomain.ActorTypeUser, &actor.UserID, "invoice.approve", approved.ID, map[string]any{
		"status": string(approved.Status),
	})
	if approved.Status == domain.StatusApproved {
		obsmetrics.Workflow().IncTransition(string(domain.StatusPendingReview), string(domain.StatusApproved))
		s.notifyCapex(ctx, approved)
	}
	return approved, nil
}

// Reject terminates the chain at the current step. A reason is required.
func (s *Service) Reject(ctx context.Context, req domain.RejectRequest) (domain.ApInvoice, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ApInvoice{}, domain.ErrInvalidCompany
	}
	actor, ok := orgcontext.ActorFromContext(ctx)
	if !ok {
		return domain.ApInvoice{}, domain.ErrMissingActor
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.ApInvoice{}, domain.ErrEmptyReason
	}

	invoiceID, err := parseID(req.ID)
	if err != nil {
		return domain.ApInvoice{}, err
	}

	var rejected domain.ApInvoice
	err = s.db.Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.FindByID(ctx, tx, companyID, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return domain.ErrNotFound
		}
		if invoice.Status != domain.StatusPendingReview {
			return domain.ErrInvalidTransition
		}
		if invoice.ApprovalStepIndex == nil {
			return domain.ErrRoutingGap
		}
		if err := s.authorizeDecision(actor, *invoice); err != nil {
			return err
		}

		stepIndex := *invoice.ApprovalStepIndex
		step, err := s.repo.FindPendingStep(ctx, tx, companyID, invoiceID, stepIndex)
		if err != nil {
			return err
		}
		if step == nil {
			return domain.ErrRoutingGap
		}

		decided, err := s.repo.DecideStep(ctx, tx, step.ID, domain.StepRejected, actor.UserID, &reason)
		if err != nil {
			return err
		}
		if !decided {
			return domain.ErrStaleState
		}
		if err := s.repo.SupersedePendingSteps(ctx, tx, companyID, invoiceID); err != nil {
			return err
		}

		ok, err := s.repo.Transition(ctx, tx, companyID, invoiceID, domain.StatusPendingReview, &stepIndex, domain.TransitionUpdate{
			Status:          domain.StatusRejected,
			ApprovalRuleID:  invoice.ApprovalRuleID,
			RejectionReason: &reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrStaleState
		}

		refreshed, err := s.repo.FindByID(ctx, tx, companyID, invoiceID)
		if err != nil {
			return err
		}
		rejected = *refreshed
		return nil
	})
	if err != nil {
		obsmetrics.Workflow().IncDecisionError("reject", err)
		return domain.ApInvoice{}, err
	}

	s.obsMetrics.RecordDecision(ctx, "rejected")
	obsmetrics.Workflow().IncTransition(string(domain.StatusPendingReview), string(domain.StatusRejected))
	_ = s.auditInvoice(ctx, auditdomain.ActorTypeUser, &actor.UserID, "invoice.reject", rejected.ID, map[string]any{
		"reason": reason,
	})
	return rejected, nil
}

// BulkApprove applies the single-step approve to each invoice in its own
// transaction. One failure never aborts the batch. Ids past the configured
// cap are reported as failed, not processed; every requested id appears in
// exactly one of the two result lists.
func (s *Service) BulkApprove(ctx context.Context, ids []string) (domain.BulkApproveResponse, error) {
	if _, ok := orgcontext.ActorFromContext(ctx); !ok {
		return domain.BulkApproveResponse{}, domain.ErrMissingActor
	}

	resp := domain.BulkApproveResponse{
		Succeeded: []string{},
		Failed:    []domain.BulkApproveFailure{},
	}

	max := s.approvalCfg.Get().BulkApproveMax
	if len(ids) > max {
		for _, id := range ids[max:] {
			resp.Failed = append(resp.Failed, domain.BulkApproveFailure{
				ID:     id,
				Reason: "bulk_cap_exceeded",
			})
		}
		ids = ids[:max]
	}
	obsmetrics.Workflow().ObserveBulkBatchSize(len(ids))
	for _, id := range ids {
		if _, err := s.Approve(ctx, id); err != nil {
			resp.Failed = append(resp.Failed, domain.BulkApproveFailure{
				ID:     id,
				Reason: err.Error(),
			})
			continue
		}
		resp.Succeeded = append(resp.Succeeded, id)
	}
	return resp, nil
}

// Export pushes an APPROVED (or previously failed) invoice to the export
// collaborator. Retrying is idempotent: an EXPORTED invoice is returned
// unchanged.
func (s *Service) Export(ctx context.Context, id string) (domain.ApInvoice, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ApInvoice{}, domain.ErrInvalidCompany
	}

	invoiceID, err := parseID(id)
	if err != nil {
		return domain.ApInvoice{}, err
	}

	invoice, err := s.repo.FindByID(ctx, s.db, companyID, invoiceID)
	if err != nil {
		return domain.ApInvoice{}, err
	}
	if invoice == nil {
		return domain.ApInvoice{}, domain.ErrNotFound
	}

	switch invoice.Status {
	case domain.StatusExported:
		return *invoice, nil
	case domain.StatusApproved, domain.StatusFailedExport:
	default:
		return domain.ApInvoice{}, domain.ErrInvalidTransition
	}

	fromStatus := invoice.Status
	exportErr := s.export.ExportInvoice(ctx, companyID, invoiceID)

	toStatus := domain.StatusExported
	if exportErr != nil {
		toStatus = domain.StatusFailedExport
	}

	ok2, err := s.repo.Transition(ctx, s.db, companyID, invoiceID, fromStatus, nil, domain.TransitionUpdate{
		Status:         toStatus,
		ApprovalRuleID: invoice.ApprovalRuleID,
	})
	if err != nil {
		return domain.ApInvoice{}, err
	}
	if !ok2 {
		return domain.ApInvoice{}, domain.ErrStaleState
	}

	invoice.Status = toStatus
	obsmetrics.Workflow().IncTransition(string(fromStatus), string(toStatus))
	if exportErr != nil {
		s.log.Warn("invoice export failed",
			zap.String("invoice_id", invoiceID.String()),
			zap.Error(exportErr),
		)
		s.obsMetrics.RecordExport(ctx, "failed")
		_ = s.auditInvoice(ctx, auditdomain.ActorTypeSystem, nil, "invoice.export_failed", invoiceID, map[string]any{
			"error": exportErr.Error(),
		})
		return *invoice, nil
	}

	s.obsMetrics.RecordExport(ctx, "exported")
	_ = s.auditInvoice(ctx, auditdomain.ActorTypeSystem, nil, "invoice.exported", invoiceID, nil)
	return *invoice, nil
}


func (s *Service) GetApprovalChain(ctx context.Context, id string) ([]domain.ChainStep, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return nil, domain.ErrInvalidCompany
	}

	invoiceID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	invoice, err := s.repo.FindByID(ctx, s.db, companyID, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, domain.ErrNotFound
	}

	steps, err := s.repo.FindSteps(ctx, s.db, companyID, invoiceID)
	if err != nil {
		return nil, err
	}

	chain := make([]domain.ChainStep, 0, len(steps))
	for _, step := range steps {
		entry := domain.ChainStep{
			StepIndex:      step.StepIndex,
			ApproverUserID: step.ApproverUserID,
			Status:         string(step.Status),
			DecidedBy:      step.DecidedBy,
		}
		if step.DecidedAt != nil {
			value := step.DecidedAt.UTC().Format(time.RFC3339)
			entry.DecidedAt = &value
		}
		chain = append(chain, entry)
	}
	return chain, nil
}

func (s *Service) ListStatusCounts(ctx context.Context) (domain.StatusCounts, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.StatusCounts{}, domain.ErrInvalidCompany
	}

	byStatus, err := s.repo.CountByStatus(ctx, s.db, companyID)
	if err != nil {
		return domain.StatusCounts{}, err
	}

	counts := domain.StatusCounts{
		Draft:         byStatus[domain.StatusDraft],
		PendingReview: byStatus[domain.StatusPendingReview],
		Approved:      byStatus[domain.StatusApproved],
		Rejected:      byStatus[domain.StatusRejected],
		Exported:      byStatus[domain.StatusExported],
		FailedExport:  byStatus[domain.StatusFailedExport],
	}

	if actor, ok := orgcontext.ActorFromContext(ctx); ok {
		waiting, err := s.repo.CountAssigned(ctx, s.db, companyID, actor.UserID)
		if err != nil {
			return domain.StatusCounts{}, err
		}
		counts.WaitingOnMe = waiting
	}
	return counts, nil
}

func (s *Service) SetFlags(ctx context.Context, req domain.SetFlagsRequest) (domain.ApInvoice, error) {
	companyID, ok := orgcontext.CompanyIDFromContext(ctx)
	if !ok || companyID == 0 {
		return domain.ApInvoice{}, domain.ErrInvalidCompany
	}

	id, err := parseID(req.ID)
	if err != nil {
		return domain.ApInvoice{}, err
	}

	invoice, err := s.repo.FindByID(ctx, s.db, companyID, id)
	if err != nil {
		return domain.ApInvoice{}, err
	}
	if invoice == nil {
		return domain.ApInvoice{}, domain.ErrNotFound
	}

	if req.IsUrgent != nil {
		invoice.IsUrgent = *req.IsUrgent
	}
	if req.IsOnHold != nil {
		invoice.IsOnHold = *req.IsOnHold
	}
	if err := s.repo.UpdateFlags(ctx, s.db, invoice); err != nil {
		return domain.ApInvoice{}, err
	}
	return *invoice, nil
}


// authorizeDecision allows admins, the exact current assignee, and
// approval-limit holders whose ceiling covers the invoice total.
func (s *Service) authorizeDecision(actor orgcontext.Actor, invoice domain.ApInvoice) error {
	cfg := s.approvalCfg.Get()
	for _, role := range cfg.AdminRoles {
		if strings.EqualFold(actor.Role, role) {
			return nil
		}
	}
	if invoice.AssigneeUserID != nil && *invoice.AssigneeUserID == actor.UserID {
		return nil
	}
	if cfg.EnforceApprovalLimits && actor.ApprovalLimit != nil {
		total := invoice.TotalInc
		if total < 0 {
			total = -total
		}
		if *actor.ApprovalLimit >= total {
			return nil
		}
	}
	return domain.ErrNotAuthorized
}

func (s *Service) notifyCapex(ctx context.Context, invoice domain.ApInvoice) {
	if invoice.CapexRequestID == nil {
		return
	}
	if err := s.export.NotifyCapexApproved(ctx, invoice.CompanyID, invoice.ID, *invoice.CapexRequestID); err != nil {
		s.log.Warn("capex notification failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) auditInvoice(ctx context.Context, actorType string, actorID *string, action string, invoiceID snowflake.ID, metadata map[string]any) error {
	targetID := invoiceID.String()
	return s.audit.AuditLog(ctx, actorType, actorID, action, "ap_invoice", &targetID, metadata)
}

func (s *Service) buildLines(invoice domain.ApInvoice, inputs []domain.LineInput) []domain.ApInvoiceLine {
	now := time.Now().UTC()
	lines := make([]domain.ApInvoiceLine, 0, len(inputs))
	for _, input := range inputs {
		lines = append(lines, domain.ApInvoiceLine{
			ID:          s.genID.Generate(),
			InvoiceID:   invoice.ID,
			CompanyID:   invoice.CompanyID,
			Description: strings.TrimSpace(input.Description),
			Amount:      input.Amount,
			JobID:       strings.TrimSpace(input.JobID),
			GLCode:      strings.TrimSpace(input.GLCode),
			CreatedAt:   now,
		})
	}
	return lines
}

// buildSnapshot resolves the attributes the selector inspects. Job and GL
// code come from the first line carrying them.
func buildSnapshot(invoice domain.ApInvoice, lines []domain.ApInvoiceLine) ruledomain.InvoiceSnapshot {
	snap := ruledomain.InvoiceSnapshot{
		CompanyID:  invoice.CompanyID,
		TotalInc:   invoice.TotalInc,
		SupplierID: invoice.SupplierID,
	}
	for _, line := range lines {
		if snap.JobID == "" && line.JobID != "" {
			snap.JobID = line.JobID
		}
		if snap.GLCode == "" && line.GLCode != "" {
			snap.GLCode = line.GLCode
		}
	}
	return snap
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
