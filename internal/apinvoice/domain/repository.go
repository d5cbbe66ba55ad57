package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/sitebooks/sitebooks/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListFilter struct {
	Status     InvoiceStatus
	AssigneeID string
}

// TransitionUpdate is the routing-and-status mutation applied atomically to
// an invoice row. The update is guarded on the expected prior status (and
// step index when relevant); a concurrent writer makes the guard miss and
// the loser sees a stale-state failure instead of overwriting.
type TransitionUpdate struct {
	Status            InvoiceStatus
	AssigneeUserID    *string
	ApprovalRuleID    *snowflake.ID
	ApprovalStepIndex *int
	RejectionReason   *string
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *ApInvoice, lines []ApInvoiceLine) error
	FindByID(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*ApInvoice, error)
	FindLines(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID) ([]ApInvoiceLine, error)
	ReplaceLines(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID, lines []ApInvoiceLine) error
	UpdateDetails(ctx context.Context, db *gorm.DB, invoice *ApInvoice) error
	UpdateFlags(ctx context.Context, db *gorm.DB, invoice *ApInvoice) error
	Delete(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) error
	List(ctx context.Context, db *gorm.DB, companyID snowflake.ID, filter ListFilter, page pagination.Pagination) ([]*ApInvoice, error)
	CountByStatus(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (map[InvoiceStatus]int64, error)
	CountAssigned(ctx context.Context, db *gorm.DB, companyID snowflake.ID, userID string) (int64, error)

	// Transition applies update iff the invoice is still in fromStatus
	// (and, when fromStep is non-nil, still at that step). Returns false
	// when the guard missed.
	Transition(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID, fromStatus InvoiceStatus, fromStep *int, update TransitionUpdate) (bool, error)

	InsertSteps(ctx context.Context, db *gorm.DB, steps []*ApprovalStep) error
	// SupersedePendingSteps retires only the undecided steps, leaving
	// decided rows visible. Used on rejection so the rejected step stays
	// in the read model while the invoice sits in REJECTED.
	SupersedePendingSteps(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID) error
	// SupersedeChain retires every remaining step of the current chain,
	// decided rows included. Used when a re-route or lifecycle restart
	// replaces the chain wholesale.
	SupersedeChain(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID) error
	FindSteps(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID) ([]ApprovalStep, error)
	FindPendingStep(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID, stepIndex int) (*ApprovalStep, error)
	// DecideStep marks a pending step approved/rejected; returns false if
	// the step was no longer pending.
	DecideStep(ctx context.Context, db *gorm.DB, stepID snowflake.ID, status StepStatus, decidedBy string, note *string) (bool, error)
}
