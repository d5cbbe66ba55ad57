// Package domain contains the AP invoice model and the approval workflow
// contract that drives it from draft to an exported or rejected end state.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// InvoiceStatus is the stored lifecycle state of an AP invoice.
// WAITING_ON_ME is deliberately absent: it is a per-viewer projection of
// PENDING_REVIEW, never persisted.
type InvoiceStatus string

const (
	StatusDraft         InvoiceStatus = "DRAFT"
	StatusPendingReview InvoiceStatus = "PENDING_REVIEW"
	StatusApproved      InvoiceStatus = "APPROVED"
	StatusRejected      InvoiceStatus = "REJECTED"
	StatusExported      InvoiceStatus = "EXPORTED"
	StatusFailedExport  InvoiceStatus = "FAILED_EXPORT"
)

// StepStatus is the state of one approver step in an invoice's frozen chain.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepApproved   StepStatus = "approved"
	StepRejected   StepStatus = "rejected"
	StepSuperseded StepStatus = "superseded"
)

// ApInvoice is the subject being routed.
type ApInvoice struct {
	ID                snowflake.ID  `gorm:"primaryKey" json:"id"`
	CompanyID         snowflake.ID  `gorm:"not null;index" json:"company_id"`
	InvoiceNumber     string        `json:"invoice_number,omitempty"`
	SupplierID        string        `gorm:"index" json:"supplier_id,omitempty"`
	TotalInc          int64         `gorm:"not null;default:0" json:"total_inc"`
	Status            InvoiceStatus `gorm:"type:text;not null;default:'DRAFT'" json:"status"`
	AssigneeUserID    *string       `json:"assignee_user_id,omitempty"`
	ApprovalRuleID    *snowflake.ID `json:"approval_rule_id,omitempty"`
	ApprovalStepIndex *int          `json:"approval_step_index,omitempty"`
	RejectionReason   *string       `json:"rejection_reason,omitempty"`
	CapexRequestID    *snowflake.ID `json:"capex_request_id,omitempty"`
	IsUrgent          bool          `gorm:"not null;default:false" json:"is_urgent"`
	IsOnHold          bool          `gorm:"not null;default:false" json:"is_on_hold"`
	CreatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ApInvoice) TableName() string { return "ap_invoices" }

// ApInvoiceLine is one cost-code line. Job and GL code live here; the
// routing snapshot takes them from the first line that carries them.
type ApInvoiceLine struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	InvoiceID   snowflake.ID `gorm:"not null;index" json:"invoice_id"`
	CompanyID   snowflake.ID `gorm:"not null" json:"company_id"`
	Description string       `gorm:"type:text" json:"description,omitempty"`
	Amount      int64        `gorm:"not null;default:0" json:"amount"`
	JobID       string       `json:"job_id,omitempty"`
	GLCode      string       `json:"gl_code,omitempty"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (ApInvoiceLine) TableName() string { return "ap_invoice_lines" }

// ApprovalStep is one row of an invoice's approver chain, frozen at
// submission. A resubmission supersedes the old rows rather than deleting
// them, preserving history.
type ApprovalStep struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	InvoiceID      snowflake.ID `gorm:"not null;index" json:"invoice_id"`
	CompanyID      snowflake.ID `gorm:"not null" json:"company_id"`
	StepIndex      int          `gorm:"not null" json:"step_index"`
	ApproverUserID string       `gorm:"not null" json:"approver_user_id"`
	Status         StepStatus   `gorm:"type:text;not null;default:'pending'" json:"status"`
	DecidedBy      *string      `json:"decided_by,omitempty"`
	DecidedAt      *time.Time   `json:"decided_at,omitempty"`
	Note           *string      `json:"note,omitempty"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ApprovalStep) TableName() string { return "ap_invoice_approval_steps" }
