package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/sitebooks/sitebooks/internal/apinvoice/domain"
	"github.com/sitebooks/sitebooks/internal/apinvoice/repository"
	ruledomain "github.com/sitebooks/sitebooks/internal/approvalrule/domain"
	rulerepository "github.com/sitebooks/sitebooks/internal/approvalrule/repository"
	ruleservice "github.com/sitebooks/sitebooks/internal/approvalrule/service"
	auditrepository "github.com/sitebooks/sitebooks/internal/audit/repository"
	auditservice "github.com/sitebooks/sitebooks/internal/audit/service"
	"github.com/sitebooks/sitebooks/internal/config"
	"github.com/sitebooks/sitebooks/internal/orgcontext"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type exportStub struct {
	mu           sync.Mutex
	exportErr    error
	beforeExport func()
	exports      []snowflake.ID
	capex        []snowflake.ID
}

func (e *exportStub) ExportInvoice(ctx context.Context, companyID, invoiceID snowflake.ID) error {
	if e.beforeExport != nil {
		e.beforeExport()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exportErr != nil {
		return e.exportErr
	}
	e.exports = append(e.exports, invoiceID)
	return nil
}

func (e *exportStub) NotifyCapexApproved(ctx context.Context, companyID, invoiceID, capexRequestID snowflake.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capex = append(e.capex, capexRequestID)
	return nil
}

func (e *exportStub) capexCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.capex)
}

type workflowFixture struct {
	svc     domain.Service
	rules   ruledomain.Service
	db      *gorm.DB
	node    *snowflake.Node
	export  *exportStub
	company snowflake.ID
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

func setupWorkflow(t *testing.T) *workflowFixture {
	t.Helper()
	return setupWorkflowWithCfg(t, config.ApprovalConfig{
		AdminRoles:            []string{"admin"},
		EnforceApprovalLimits: true,
		BulkApproveMax:        100,
	})
}

func setupWorkflowWithCfg(t *testing.T, approvalCfg config.ApprovalConfig) *workflowFixture {
	t.Helper()

	node := mustNode(t)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	prepareWorkflowSchema(t, db)

	rules := ruleservice.New(ruleservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  rulerepository.Provide(),
	})
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepository.Provide(),
	})
	export := &exportStub{}

	svc := New(Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Repo:        repository.Provide(),
		Rules:       rules,
		Audit:       audit,
		Export:      export,
		ApprovalCfg: config.NewStaticApprovalConfigHolder(approvalCfg),
	})

	return &workflowFixture{
		svc:     svc,
		rules:   rules,
		db:      db,
		node:    node,
		export:  export,
		company: node.Generate(),
	}
}

func prepareWorkflowSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	statements := []string{
		`CREATE TABLE approval_rules (
			id BIGINT PRIMARY KEY,
			company_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			rule_type TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			priority INTEGER NOT NULL DEFAULT 0,
			conditions JSON NOT NULL DEFAULT '[]',
			approver_user_ids JSON NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE ap_invoices (
			id BIGINT PRIMARY KEY,
			company_id BIGINT NOT NULL,
			invoice_number TEXT,
			supplier_id TEXT,
			total_inc BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'DRAFT',
			assignee_user_id TEXT,
			approval_rule_id BIGINT,
			approval_step_index INTEGER,
			rejection_reason TEXT,
			capex_request_id BIGINT,
			is_urgent BOOLEAN NOT NULL DEFAULT FALSE,
			is_on_hold BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX uq_ap_invoices_supplier_number
			ON ap_invoices (company_id, supplier_id, invoice_number)
			WHERE supplier_id <> '' AND invoice_number <> ''`,
		`CREATE TABLE ap_invoice_lines (
			id BIGINT PRIMARY KEY,
			invoice_id BIGINT NOT NULL,
			company_id BIGINT NOT NULL,
			description TEXT,
			amount BIGINT NOT NULL DEFAULT 0,
			job_id TEXT,
			gl_code TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE ap_invoice_approval_steps (
			id BIGINT PRIMARY KEY,
			invoice_id BIGINT NOT NULL,
			company_id BIGINT NOT NULL,
			step_index INTEGER NOT NULL,
			approver_user_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			decided_by TEXT,
			decided_at DATETIME,
			note TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE audit_logs (
			id BIGINT PRIMARY KEY,
			company_id BIGINT NOT NULL,
			actor_type TEXT NOT NULL,
			actor_id TEXT,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT,
			metadata JSON,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("prepare schema: %v", err)
		}
	}
}

func (f *workflowFixture) ctx() context.Context {
	return orgcontext.WithCompanyID(context.Background(), int64(f.company))
}

func (f *workflowFixture) actorCtx(userID, role string, limit *int64) context.Context {
	return orgcontext.WithActor(f.ctx(), orgcontext.Actor{
		UserID:        userID,
		Role:          role,
		ApprovalLimit: limit,
	})
}

func (f *workflowFixture) createRule(t *testing.T, req ruledomain.CreateRuleRequest) ruledomain.ApprovalRule {
	t.Helper()
	rule, err := f.rules.Create(f.ctx(), req)
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func (f *workflowFixture) createDraft(t *testing.T, total int64) domain.ApInvoice {
	t.Helper()
	invoice, err := f.svc.CreateDraft(f.ctx(), domain.CreateDraftRequest{
		InvoiceNumber: fmt.Sprintf("INV-%d", f.node.Generate()),
		SupplierID:    "sup-1",
		TotalInc:      total,
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	return invoice
}

func amountOver(value string) ruledomain.Condition {
	return ruledomain.Condition{
		Field:    ruledomain.FieldAmount,
		Operator: ruledomain.OpGreaterThan,
		Values:   []string{value},
	}
}

func TestSubmitRoutesToFirstApprover(t *testing.T) {
	f := setupWorkflow(t)
	rule := f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "high value",
		RuleType:        ruledomain.RuleTypeUser,
		IsActive:        true,
		Conditions:      []ruledomain.Condition{amountOver("10000")},
		ApproverUserIDs: []string{"u1", "u2"},
	})

	invoice := f.createDraft(t, 15000)
	result, err := f.svc.Submit(f.ctx(), invoice.ID.String())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.RoutingGap {
		t.Fatal("expected a routed invoice")
	}

	routed := result.Invoice
	if routed.Status != domain.StatusPendingReview {
		t.Fatalf("expected PENDING_REVIEW, got %s", routed.Status)
	}
	if routed.AssigneeUserID == nil || *routed.AssigneeUserID != "u1" {
		t.Fatalf("expected assignee u1, got %v", routed.AssigneeUserID)
	}
	if routed.ApprovalRuleID == nil || *routed.ApprovalRuleID != rule.ID {
		t.Fatalf("expected rule %s recorded, got %v", rule.ID, routed.ApprovalRuleID)
	}
	if routed.ApprovalStepIndex == nil || *routed.ApprovalStepIndex != 0 {
		t.Fatalf("expected step 0, got %v", routed.ApprovalStepIndex)
	}

	chain, err := f.svc.GetApprovalChain(f.ctx(), invoice.ID.String())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 2 || chain[0].ApproverUserID != "u1" || chain[1].ApproverUserID != "u2" {
		t.Fatalf("unexpected chain: %+v", chain)
	}
}

func TestSubmitAutoApprove(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:     "small invoices",
		RuleType: ruledomain.RuleTypeAutoApprove,
		IsActive: true,
		Conditions: []ruledomain.Condition{{
			Field:    ruledomain.FieldAmount,
			Operator: ruledomain.OpLessThan,
			Values:   []string{"1000"},
		}},
	})

	invoice := f.createDraft(t, 500)
	result, err := f.svc.Submit(f.ctx(), invoice.ID.String())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Invoice.Status != domain.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", result.Invoice.Status)
	}
	if result.Invoice.AssigneeUserID != nil {
		t.Fatalf("expected no assignee, got %v", result.Invoice.AssigneeUserID)
	}

	// Auto-approval is attributed to the rule in the audit trail.
	var actorType string
	if err := f.db.Raw(
		`SELECT actor_type FROM audit_logs WHERE action = 'invoice.auto_approved'`,
	).Scan(&actorType).Error; err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if actorType != "rule" {
		t.Fatalf("expected rule-attributed audit entry, got %q", actorType)
	}
}

func TestSubmitWithoutRulesReportsRoutingGap(t *testing.T) {
	f := setupWorkflow(t)
	invoice := f.createDraft(t, 500)

	result, err := f.svc.Submit(f.ctx(), invoice.ID.String())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.RoutingGap {
		t.Fatal("expected routing gap")
	}
	if result.Invoice.Status != domain.StatusPendingReview {
		t.Fatalf("expected PENDING_REVIEW, got %s", result.Invoice.Status)
	}
	if result.Invoice.AssigneeUserID != nil || result.Invoice.ApprovalStepIndex != nil {
		t.Fatalf("expected unassigned invoice, got %+v", result.Invoice)
	}
}

func TestDuplicateInvoiceNumberRejected(t *testing.T) {
	f := setupWorkflow(t)

	if _, err := f.svc.CreateDraft(f.ctx(), domain.CreateDraftRequest{
		InvoiceNumber: "INV-1",
		SupplierID:    "sup-1",
		TotalInc:      500,
	}); err != nil {
		t.Fatalf("create draft: %v", err)
	}
	_, err := f.svc.CreateDraft(f.ctx(), domain.CreateDraftRequest{
		InvoiceNumber: "INV-1",
		SupplierID:    "sup-1",
		TotalInc:      700,
	})
	if !errors.Is(err, domain.ErrDuplicateInvoice) {
		t.Fatalf("expected ErrDuplicateInvoice, got %v", err)
	}

	// Same number from a different supplier is a different invoice.
	if _, err := f.svc.CreateDraft(f.ctx(), domain.CreateDraftRequest{
		InvoiceNumber: "INV-1",
		SupplierID:    "sup-2",
		TotalInc:      700,
	}); err != nil {
		t.Fatalf("create draft: %v", err)
	}

	// Drafts captured before the supplier reference is known are not blocked.
	for i := 0; i < 2; i++ {
		if _, err := f.svc.CreateDraft(f.ctx(), domain.CreateDraftRequest{TotalInc: 100}); err != nil {
			t.Fatalf("create draft: %v", err)
		}
	}
}

func TestSubmitTwiceFails(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "catch all",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		ApproverUserIDs: []string{"u1"},
	})

	invoice := f.createDraft(t, 500)
	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApproveAdvancesChainToCompletion(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "two step",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		ApproverUserIDs: []string{"u1", "u2"},
	})

	invoice := f.createDraft(t, 500)
	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	mid, err := f.svc.Approve(f.actorCtx("u1", "", nil), invoice.ID.String())
	if err != nil {
		t.Fatalf("approve step 0: %v", err)
	}
	if mid.Status != domain.StatusPendingReview {
		t.Fatalf("expected PENDING_REVIEW mid-chain, got %s", mid.Status)
	}
	if mid.AssigneeUserID == nil || *mid.AssigneeUserID != "u2" {
		t.Fatalf("expected assignee u2, got %v", mid.AssigneeUserID)
	}
	if mid.ApprovalStepIndex == nil || *mid.ApprovalStepIndex != 1 {
		t.Fatalf("expected step 1, got %v", mid.ApprovalStepIndex)
	}

	final, err := f.svc.Approve(f.actorCtx("u2", "", nil), invoice.ID.String())
	if err != nil {
		t.Fatalf("approve step 1: %v", err)
	}
	if final.Status != domain.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", final.Status)
	}
	if final.AssigneeUserID != nil {
		t.Fatalf("expected assignee cleared, got %v", final.AssigneeUserID)
	}

	chain, err := f.svc.GetApprovalChain(f.ctx(), invoice.ID.String())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	for _, step := range chain {
		if step.Status != string(domain.StepApproved) {
			t.Fatalf("expected all steps approved, got %+v", chain)
		}
		if step.DecidedBy == nil || step.DecidedAt == nil {
			t.Fatalf("expected decision metadata on step, got %+v", step)
		}
	}
}

func TestApproveAuthorization(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "catch all",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		ApproverUserIDs: []string{"u1"},
	})

	submitAndGet := func() domain.ApInvoice {
		invoice := f.createDraft(t, 5000)
		if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
			t.Fatalf("submit: %v", err)
		}
		return invoice
	}

	// A stranger with no role and no limit is refused.
	invoice := submitAndGet()
	if _, err := f.svc.Approve(f.actorCtx("intruder", "", nil), invoice.ID.String()); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	// An admin may approve regardless of assignment.
	if _, err := f.svc.Approve(f.actorCtx("boss", "admin", nil), invoice.ID.String()); err != nil {
		t.Fatalf("admin approve: %v", err)
	}

	// An approval-limit holder may approve when the ceiling covers the total.
	invoice = submitAndGet()
	limit := int64(10000)
	if _, err := f.svc.Approve(f.actorCtx("finance", "", &limit), invoice.ID.String()); err != nil {
		t.Fatalf("limit approve: %v", err)
	}

	// Not when the total exceeds the ceiling.
	invoice = submitAndGet()
	small := int64(1000)
	if _, err := f.svc.Approve(f.actorCtx("finance", "", &small), invoice.ID.String()); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized over limit, got %v", err)
	}

	// Approving without any actor fails outright.
	if _, err := f.svc.Approve(f.ctx(), invoice.ID.String()); !errors.Is(err, domain.ErrMissingActor) {
		t.Fatalf("expected ErrMissingActor, got %v", err)
	}
}

func TestApproveApprovedInvoiceFails(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "catch all",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		ApproverUserIDs: []string{"u1"},
	})

	invoice := f.createDraft(t, 500)
	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.Approve(f.actorCtx("u1", "", nil), invoice.ID.String()); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.Approve(f.actorCtx("u1", "", nil), invoice.ID.String()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApproveRefusesOutOfBandDecidedStep(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "catch all",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		ApproverUserIDs: []string{"u1", "u2"},
	})

	invoice := f.createDraft(t, 500)
	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Decide the current step behind the service's back, the way a racing
	// replica would.
	repo := repository.Provide()
	step, err := repo.FindPendingStep(f.ctx(), f.db, f.company, invoice.ID, 0)
	if err != nil || step == nil {
		t.Fatalf("pending step: %v %v", step, err)
	}
	decided, err := repo.DecideStep(f.ctx(), f.db, step.ID, domain.StepApproved, "u1", nil)
	if err != nil || !decided {
		t.Fatalf("decide step: decided=%v err=%v", decided, err)
	}

	// The guard makes a second decision on the same step lose.
	again, err := repo.DecideStep(f.ctx(), f.db, step.ID, domain.StepApproved, "u2", nil)
	if err != nil {
		t.Fatalf("decide step again: %v", err)
	}
	if again {
		t.Fatal("expected the second decision to miss the guard")
	}

	// The service refuses to advance over a step it did not decide.
	if _, err := f.svc.Approve(f.actorCtx("u1", "", nil), invoice.ID.String()); err == nil {
		t.Fatal("expected approve to fail on the decided step")
	}
	got, err := f.svc.GetByID(f.ctx(), domain.GetInvoiceRequest{ID: invoice.ID.String()})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusPendingReview || got.ApprovalStepIndex == nil || *got.ApprovalStepIndex != 0 {
		t.Fatalf("expected the invoice held at step 0, got %+v", got)
	}
}

func TestExportDetectsConcurrentTransition(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:     "auto",
		RuleType: ruledomain.RuleTypeAutoApprove,
		IsActive: true,
	})

	invoice := f.createDraft(t, 500)
	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Another worker finishes the same export between the read and the
	// guarded transition.
	f.export.beforeExport = func() {
		err := f.db.Model(&domain.ApInvoice{}).
			Where("company_id = ? AND id = ?", f.company, invoice.ID).
			Update("status", domain.StatusExported).Error
		if err != nil {
			t.Errorf("concurrent transition: %v", err)
		}
	}

	if _, err := f.svc.Export(f.ctx(), invoice.ID.String()); !errors.Is(err, domain.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "catch all",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		ApproverUserIDs: []string{"u1", "u2"},
	})

	invoice := f.createDraft(t, 500)
	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := f.svc.Reject(f.actorCtx("u1", "", nil), domain.RejectRequest{
		ID:     invoice.ID.String(),
		Reason: "   ",
	})
	if !errors.Is(err, domain.ErrEmptyReason) {
		t.Fatalf("expected ErrEmptyReason, got %v", err)
	}

	rejected, err := f.svc.Reject(f.actorCtx("u1", "", nil), domain.RejectRequest{
		ID:     invoice.ID.String(),
		Reason: "wrong job code",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.StatusRejected {
		t.Fatalf("expected REJECTED, got %s", rejected.Status)
	}
	if rejected.RejectionReason == nil || *rejected.RejectionReason != "wrong job code" {
		t.Fatalf("expected reason persisted, got %v", rejected.RejectionReason)
	}

	// The untouched second step is superseded, not left pending.
	chain, err := f.svc.GetApprovalChain(f.ctx(), invoice.ID.String())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 1 || chain[0].Status != string(domain.StepRejected) {
		t.Fatalf("expected only the rejected step visible, got %+v", chain)
	}
}

func TestEditAfterRejectRestartsLifecycle(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "catch all",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		ApproverUserIDs: []string{"u1"},
	})

	invoice := f.createDraft(t, 500)
	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.Reject(f.actorCtx("u1", "", nil), domain.RejectRequest{
		ID:     invoice.ID.String(),
		Reason: "duplicate",
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	total := int64(750)
	updated, err := f.svc.Update(f.ctx(), domain.UpdateInvoiceRequest{
		ID:       invoice.ID.String(),
		TotalInc: &total,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != domain.StatusDraft {
		t.Fatalf("expected DRAFT after edit, got %s", updated.Status)
	}
	if updated.RejectionReason != nil {
		t.Fatalf("expected rejection reason cleared, got %v", updated.RejectionReason)
	}

	result, err := f.svc.Submit(f.ctx(), invoice.ID.String())
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if result.Invoice.Status != domain.StatusPendingReview {
		t.Fatalf("expected PENDING_REVIEW after resubmit, got %s", result.Invoice.Status)
	}

	// The fresh chain replaces the rejected one in the read model.
	chain, err := f.svc.GetApprovalChain(f.ctx(), invoice.ID.String())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 1 || chain[0].Status != string(domain.StepPending) {
		t.Fatalf("expected a single fresh pending step, got %+v", chain)
	}
}

func TestRuleEditDoesNotChangeInFlightChain(t *testing.T) {
	f := setupWorkflow(t)
	rule := f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "catch all",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		ApproverUserIDs: []string{"u1", "u2"},
	})

	invoice := f.createDraft(t, 500)
	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Swap the rule's approvers mid-chain.
	if _, err := f.rules.Update(f.ctx(), ruledomain.UpdateRuleRequest{
		ID:              rule.ID.String(),
		ApproverUserIDs: []string{"x1", "x2"},
	}); err != nil {
		t.Fatalf("update rule: %v", err)
	}

	// The invoice still routes through its frozen snapshot.
	mid, err := f.svc.Approve(f.actorCtx("u1", "", nil), invoice.ID.String())
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if mid.AssigneeUserID == nil || *mid.AssigneeUserID != "u2" {
		t.Fatalf("expected frozen chain assignee u2, got %v", mid.AssigneeUserID)
	}
}

func TestBulkApprovePartialSuccess(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "catch all",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		ApproverUserIDs: []string{"u1"},
	})

	routed := f.createDraft(t, 500)
	if _, err := f.svc.Submit(f.ctx(), routed.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	draft := f.createDraft(t, 600)

	resp, err := f.svc.BulkApprove(f.actorCtx("u1", "", nil), []string{
		routed.ID.String(),
		draft.ID.String(),
	})
	if err != nil {
		t.Fatalf("bulk approve: %v", err)
	}
	if len(resp.Succeeded) != 1 || resp.Succeeded[0] != routed.ID.String() {
		t.Fatalf("expected one success, got %+v", resp)
	}
	if len(resp.Failed) != 1 || resp.Failed[0].ID != draft.ID.String() {
		t.Fatalf("expected one failure, got %+v", resp)
	}

	// The success committed despite the sibling failure.
	got, err := f.svc.GetByID(f.ctx(), domain.GetInvoiceRequest{ID: routed.ID.String()})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", got.Status)
	}
}

func TestBulkApproveOverflowReportedAsFailed(t *testing.T) {
	f := setupWorkflowWithCfg(t, config.ApprovalConfig{
		AdminRoles:     []string{"admin"},
		BulkApproveMax: 2,
	})
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "catch all",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		ApproverUserIDs: []string{"u1"},
	})

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		invoice := f.createDraft(t, 500)
		if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, invoice.ID.String())
	}

	resp, err := f.svc.BulkApprove(f.actorCtx("u1", "", nil), ids)
	if err != nil {
		t.Fatalf("bulk approve: %v", err)
	}
	if len(resp.Succeeded) != 2 {
		t.Fatalf("expected two successes, got %+v", resp)
	}
	if len(resp.Failed) != 1 || resp.Failed[0].ID != ids[2] || resp.Failed[0].Reason != "bulk_cap_exceeded" {
		t.Fatalf("expected the overflow id failed with bulk_cap_exceeded, got %+v", resp.Failed)
	}

	// The overflow invoice was never touched.
	got, err := f.svc.GetByID(f.ctx(), domain.GetInvoiceRequest{ID: ids[2]})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusPendingReview {
		t.Fatalf("expected PENDING_REVIEW, got %s", got.Status)
	}
}

func TestExportLifecycle(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:     "auto",
		RuleType: ruledomain.RuleTypeAutoApprove,
		IsActive: true,
	})

	invoice := f.createDraft(t, 500)
	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	exported, err := f.svc.Export(f.ctx(), invoice.ID.String())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exported.Status != domain.StatusExported {
		t.Fatalf("expected EXPORTED, got %s", exported.Status)
	}

	// Re-export is a no-op, not an error.
	again, err := f.svc.Export(f.ctx(), invoice.ID.String())
	if err != nil {
		t.Fatalf("re-export: %v", err)
	}
	if again.Status != domain.StatusExported {
		t.Fatalf("expected EXPORTED on retry, got %s", again.Status)
	}
	if len(f.export.exports) != 1 {
		t.Fatalf("expected one collaborator call, got %d", len(f.export.exports))
	}
}

func TestExportFailureIsRetryable(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:     "auto",
		RuleType: ruledomain.RuleTypeAutoApprove,
		IsActive: true,
	})

	invoice := f.createDraft(t, 500)
	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.export.exportErr = errors.New("ledger offline")
	failed, err := f.svc.Export(f.ctx(), invoice.ID.String())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if failed.Status != domain.StatusFailedExport {
		t.Fatalf("expected FAILED_EXPORT, got %s", failed.Status)
	}

	f.export.exportErr = nil
	retried, err := f.svc.Export(f.ctx(), invoice.ID.String())
	if err != nil {
		t.Fatalf("retry export: %v", err)
	}
	if retried.Status != domain.StatusExported {
		t.Fatalf("expected EXPORTED after retry, got %s", retried.Status)
	}
}

func TestExportDraftFails(t *testing.T) {
	f := setupWorkflow(t)
	invoice := f.createDraft(t, 500)
	if _, err := f.svc.Export(f.ctx(), invoice.ID.String()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCapexNotificationOnApproval(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "catch all",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		ApproverUserIDs: []string{"u1"},
	})

	capexID := f.node.Generate()
	invoice, err := f.svc.CreateDraft(f.ctx(), domain.CreateDraftRequest{
		SupplierID:     "sup-1",
		TotalInc:       500,
		CapexRequestID: capexID.String(),
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}

	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if f.export.capexCalls() != 0 {
		t.Fatal("capex notified before final approval")
	}

	if _, err := f.svc.Approve(f.actorCtx("u1", "", nil), invoice.ID.String()); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if f.export.capexCalls() != 1 {
		t.Fatalf("expected one capex notification, got %d", f.export.capexCalls())
	}
}

func TestStatusCountsAndWaitingOnMe(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "catch all",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		ApproverUserIDs: []string{"u1"},
	})

	f.createDraft(t, 100)
	pending := f.createDraft(t, 200)
	if _, err := f.svc.Submit(f.ctx(), pending.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	counts, err := f.svc.ListStatusCounts(f.actorCtx("u1", "", nil))
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Draft != 1 || counts.PendingReview != 1 || counts.WaitingOnMe != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	other, err := f.svc.ListStatusCounts(f.actorCtx("u2", "", nil))
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if other.WaitingOnMe != 0 {
		t.Fatalf("expected nothing waiting on u2, got %+v", other)
	}

	list, err := f.svc.List(f.actorCtx("u1", "", nil), domain.ListInvoicesRequest{WaitingOnMe: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Invoices) != 1 || list.Invoices[0].ID != pending.ID {
		t.Fatalf("expected the pending invoice waiting on u1, got %+v", list.Invoices)
	}
}

func TestUpdateMaterialChangeReroutesPendingInvoice(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "high value",
		RuleType:        ruledomain.RuleTypeUser,
		IsActive:        true,
		Priority:        10,
		Conditions:      []ruledomain.Condition{amountOver("10000")},
		ApproverUserIDs: []string{"senior"},
	})
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "catch all",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		Priority:        100,
		ApproverUserIDs: []string{"junior"},
	})

	invoice := f.createDraft(t, 500)
	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := f.svc.GetByID(f.ctx(), domain.GetInvoiceRequest{ID: invoice.ID.String()})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AssigneeUserID == nil || *got.AssigneeUserID != "junior" {
		t.Fatalf("expected junior first, got %v", got.AssigneeUserID)
	}

	// Raising the total past the threshold re-runs selection.
	total := int64(15000)
	updated, err := f.svc.Update(f.ctx(), domain.UpdateInvoiceRequest{
		ID:       invoice.ID.String(),
		TotalInc: &total,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.AssigneeUserID == nil || *updated.AssigneeUserID != "senior" {
		t.Fatalf("expected senior after reroute, got %v", updated.AssigneeUserID)
	}
}

func TestRerouteAfterPartialApprovalReplacesChain(t *testing.T) {
	f := setupWorkflow(t)
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "high value",
		RuleType:        ruledomain.RuleTypeUser,
		IsActive:        true,
		Priority:        10,
		Conditions:      []ruledomain.Condition{amountOver("10000")},
		ApproverUserIDs: []string{"senior"},
	})
	f.createRule(t, ruledomain.CreateRuleRequest{
		Name:            "catch all",
		RuleType:        ruledomain.RuleTypeUserCatchAll,
		IsActive:        true,
		Priority:        100,
		ApproverUserIDs: []string{"u1", "u2"},
	})

	invoice := f.createDraft(t, 500)
	if _, err := f.svc.Submit(f.ctx(), invoice.ID.String()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.Approve(f.actorCtx("u1", "", nil), invoice.ID.String()); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// A material edit mid-chain reroutes; the half-approved chain must
	// leave the read model whole, decided step included.
	total := int64(15000)
	updated, err := f.svc.Update(f.ctx(), domain.UpdateInvoiceRequest{
		ID:       invoice.ID.String(),
		TotalInc: &total,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.AssigneeUserID == nil || *updated.AssigneeUserID != "senior" {
		t.Fatalf("expected senior after reroute, got %v", updated.AssigneeUserID)
	}

	chain, err := f.svc.GetApprovalChain(f.ctx(), invoice.ID.String())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 1 || chain[0].ApproverUserID != "senior" || chain[0].Status != string(domain.StepPending) {
		t.Fatalf("expected only the fresh pending step, got %+v", chain)
	}
}

func TestInvoicesAreTenantScoped(t *testing.T) {
	f := setupWorkflow(t)
	invoice := f.createDraft(t, 500)

	foreign := orgcontext.WithCompanyID(context.Background(), int64(f.node.Generate()))
	if _, err := f.svc.GetByID(foreign, domain.GetInvoiceRequest{ID: invoice.ID.String()}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestSetFlags(t *testing.T) {
	f := setupWorkflow(t)
	invoice := f.createDraft(t, 500)

	urgent := true
	updated, err := f.svc.SetFlags(f.ctx(), domain.SetFlagsRequest{
		ID:       invoice.ID.String(),
		IsUrgent: &urgent,
	})
	if err != nil {
		t.Fatalf("set flags: %v", err)
	}
	if !updated.IsUrgent || updated.IsOnHold {
		t.Fatalf("unexpected flags: %+v", updated)
	}
}
