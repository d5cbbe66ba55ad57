package domain

import (
	"context"
	"errors"

	"github.com/sitebooks/sitebooks/pkg/db/pagination"
)

type LineInput struct {
	Description string
	Amount      int64
	JobID       string
	GLCode      string
}

type CreateDraftRequest struct {
	InvoiceNumber  string
	SupplierID     string
	TotalInc       int64
	CapexRequestID string
	Lines          []LineInput
}

type UpdateInvoiceRequest struct {
	ID            string
	InvoiceNumber *string
	SupplierID    *string
	TotalInc      *int64
	Lines         []LineInput
}

type GetInvoiceRequest struct {
	ID string
}

type ListInvoicesRequest struct {
	pagination.Pagination
	Status      InvoiceStatus
	WaitingOnMe bool
}

type ListInvoicesResponse struct {
	pagination.PageInfo
	Invoices []ApInvoice `json:"invoices"`
}

// SubmitResult carries the routed invoice. RoutingGap is set when no rule
// matched and no catch-all exists: the invoice sits in PENDING_REVIEW
// unassigned and tenant admins are expected to fix their rule set.
type SubmitResult struct {
	Invoice    ApInvoice `json:"invoice"`
	RoutingGap bool      `json:"routing_gap,omitempty"`
}

type RejectRequest struct {
	ID     string
	Reason string
}

type BulkApproveFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type BulkApproveResponse struct {
	Succeeded []string             `json:"succeeded"`
	Failed    []BulkApproveFailure `json:"failed"`
}

// ChainStep is one entry of the invoice's approval chain read model.
type ChainStep struct {
	StepIndex      int     `json:"step_index"`
	ApproverUserID string  `json:"approver_user_id"`
	Status         string  `json:"status"`
	DecidedBy      *string `json:"decided_by,omitempty"`
	DecidedAt      *string `json:"decided_at,omitempty"`
}

// StatusCounts is the dashboard aggregate, including the derived
// waiting_on_me bucket for the requesting user.
type StatusCounts struct {
	Draft         int64 `json:"draft"`
	PendingReview int64 `json:"pending_review"`
	WaitingOnMe   int64 `json:"waiting_on_me"`
	Approved      int64 `json:"approved"`
	Rejected      int64 `json:"rejected"`
	Exported      int64 `json:"exported"`
	FailedExport  int64 `json:"failed_export"`
}

type SetFlagsRequest struct {
	ID       string
	IsUrgent *bool
	IsOnHold *bool
}

// Service owns the invoice workflow state machine. Submission, rerouting
// and every approver action run inside a single database transaction so
// rule id, step index, assignee and status always change together.
type Service interface {
	CreateDraft(context.Context, CreateDraftRequest) (ApInvoice, error)
	GetByID(context.Context, GetInvoiceRequest) (ApInvoice, error)
	Update(context.Context, UpdateInvoiceRequest) (ApInvoice, error)
	Delete(context.Context, GetInvoiceRequest) error
	List(context.Context, ListInvoicesRequest) (ListInvoicesResponse, error)

	Submit(ctx context.Context, id string) (SubmitResult, error)
	Approve(ctx context.Context, id string) (ApInvoice, error)
	Reject(context.Context, RejectRequest) (ApInvoice, error)
	BulkApprove(ctx context.Context, ids []string) (BulkApproveResponse, error)
	Export(ctx context.Context, id string) (ApInvoice, error)

	GetApprovalChain(ctx context.Context, id string) ([]ChainStep, error)
	ListStatusCounts(ctx context.Context) (StatusCounts, error)
	SetFlags(context.Context, SetFlagsRequest) (ApInvoice, error)
}

var (
	ErrInvalidCompany    = errors.New("invalid_company")
	ErrInvalidID         = errors.New("invalid_id")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrEmptyReason       = errors.New("empty_reason")
	ErrMissingActor      = errors.New("missing_actor")
	ErrDuplicateInvoice  = errors.New("duplicate_invoice")
	ErrNotFound          = errors.New("not_found")
	ErrNotAuthorized     = errors.New("not_authorized")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrStaleState        = errors.New("stale_state")
	ErrRoutingGap        = errors.New("routing_gap")
)
