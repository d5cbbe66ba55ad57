package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sitebooks/sitebooks/internal/apinvoice/domain"
	"github.com/sitebooks/sitebooks/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *domain.ApInvoice, lines []domain.ApInvoiceLine) error {
	if err := db.WithContext(ctx).Create(invoice).Error; err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&lines).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.ApInvoice, error) {
	var invoice domain.ApInvoice
	err := db.WithContext(ctx).
		Where("company_id = ? AND id = ?", companyID, id).
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) FindLines(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID) ([]domain.ApInvoiceLine, error) {
	var lines []domain.ApInvoiceLine
	err := db.WithContext(ctx).
		Where("company_id = ? AND invoice_id = ?", companyID, invoiceID).
		Order("id asc").
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *repo) ReplaceLines(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID, lines []domain.ApInvoiceLine) error {
	err := db.WithContext(ctx).
		Where("company_id = ? AND invoice_id = ?", companyID, invoiceID).
		Delete(&domain.ApInvoiceLine{}).Error
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&lines).Error
}

func (r *repo) UpdateDetails(ctx context.Context, db *gorm.DB, invoice *domain.ApInvoice) error {
	return db.WithContext(ctx).
		Model(&domain.ApInvoice{}).
		Where("company_id = ? AND id = ?", invoice.CompanyID, invoice.ID).
		Updates(map[string]any{
			"invoice_number": invoice.InvoiceNumber,
			"supplier_id":    invoice.SupplierID,
			"total_inc":      invoice.TotalInc,
			"status":         invoice.Status,
			"updated_at":     time.Now().UTC(),
		}).Error
}

func (r *repo) UpdateFlags(ctx context.Context, db *gorm.DB, invoice *domain.ApInvoice) error {
	return db.WithContext(ctx).
		Model(&domain.ApInvoice{}).
		Where("company_id = ? AND id = ?", invoice.CompanyID, invoice.ID).
		Updates(map[string]any{
			"is_urgent":  invoice.IsUrgent,
			"is_on_hold": invoice.IsOnHold,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) error {
	err := db.WithContext(ctx).
		Where("company_id = ? AND invoice_id = ?", companyID, id).
		Delete(&domain.ApInvoiceLine{}).Error
	if err != nil {
		return err
	}
	result := db.WithContext(ctx).
		Where("company_id = ? AND id = ?", companyID, id).
		Delete(&domain.ApInvoice{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, companyID snowflake.ID, filter domain.ListFilter, page pagination.Pagination) ([]*domain.ApInvoice, error) {
	var invoices []*domain.ApInvoice
	stmt := db.WithContext(ctx).
		Model(&domain.ApInvoice{}).
		Where("company_id = ?", companyID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.AssigneeID != "" {
		stmt = stmt.Where("assignee_user_id = ?", filter.AssigneeID)
	}
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err == nil && cursor != nil {
			stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
				cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
		}
	}
	if page.PageSize > 0 {
		stmt = stmt.Limit(page.PageSize + 1)
	}
	err := stmt.
		Order("created_at desc, id desc").
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) CountByStatus(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (map[domain.InvoiceStatus]int64, error) {
	type row struct {
		Status domain.InvoiceStatus
		Total  int64
	}
	var rows []row
	err := db.WithContext(ctx).
		Model(&domain.ApInvoice{}).
		Select("status, count(*) as total").
		Where("company_id = ?", companyID).
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.InvoiceStatus]int64, len(rows))
	for _, item := range rows {
		counts[item.Status] = item.Total
	}
	return counts, nil
}

func (r *repo) CountAssigned(ctx context.Context, db *gorm.DB, companyID snowflake.ID, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.ApInvoice{}).
		Where("company_id = ? AND status = ? AND assignee_user_id = ?",
			companyID, domain.StatusPendingReview, userID).
		Count(&total).Error
	return total, err
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID, fromStatus domain.InvoiceStatus, fromStep *int, update domain.TransitionUpdate) (bool, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.ApInvoice{}).
		Where("company_id = ? AND id = ? AND status = ?", companyID, id, fromStatus)
	if fromStep != nil {
		stmt = stmt.Where("approval_step_index = ?", *fromStep)
	}

	result := stmt.Updates(map[string]any{
		"status":              update.Status,
		"assignee_user_id":    update.AssigneeUserID,
		"approval_rule_id":    update.ApprovalRuleID,
		"approval_step_index": update.ApprovalStepIndex,
		"rejection_reason":    update.RejectionReason,
		"updated_at":          time.Now().UTC(),
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertSteps(ctx context.Context, db *gorm.DB, steps []*domain.ApprovalStep) error {
	if len(steps) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&steps).Error
}

func (r *repo) SupersedePendingSteps(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID) error {
	return db.WithContext(ctx).
		Model(&domain.ApprovalStep{}).
		Where("company_id = ? AND invoice_id = ? AND status = ?",
			companyID, invoiceID, domain.StepPending).
		Updates(map[string]any{
			"status":     domain.StepSuperseded,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *repo) SupersedeChain(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID) error {
	return db.WithContext(ctx).
		Model(&domain.ApprovalStep{}).
		Where("company_id = ? AND invoice_id = ? AND status <> ?",
			companyID, invoiceID, domain.StepSuperseded).
		Updates(map[string]any{
			"status":     domain.StepSuperseded,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *repo) FindSteps(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID) ([]domain.ApprovalStep, error) {
	var steps []domain.ApprovalStep
	err := db.WithContext(ctx).
		Where("company_id = ? AND invoice_id = ? AND status <> ?",
			companyID, invoiceID, domain.StepSuperseded).
		Order("step_index asc").
		Find(&steps).Error
	if err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *repo) FindPendingStep(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID, stepIndex int) (*domain.ApprovalStep, error) {
	var step domain.ApprovalStep
	err := db.WithContext(ctx).
		Where("company_id = ? AND invoice_id = ? AND step_index = ? AND status = ?",
			companyID, invoiceID, stepIndex, domain.StepPending).
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (r *repo) DecideStep(ctx context.Context, db *gorm.DB, stepID snowflake.ID, status domain.StepStatus, decidedBy string, note *string) (bool, error) {
	now := time.Now().UTC()
	result := db.WithContext(ctx).
		Model(&domain.ApprovalStep{}).
		Where("id = ? AND status = ?", stepID, domain.StepPending).
		Updates(map[string]any{
			"status":     status,
			"decided_by": decidedBy,
			"decided_at": now,
			"note":       note,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
