package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/sitebooks/sitebooks/internal/approvalrule/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, rule *domain.ApprovalRule) error {
	return db.WithContext(ctx).Create(rule).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, rule *domain.ApprovalRule) error {
	return db.WithContext(ctx).
		Where("company_id = ?", rule.CompanyID).
		Save(rule).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) error {
	result := db.WithContext(ctx).
		Where("company_id = ? AND id = ?", companyID, id).
		Delete(&domain.ApprovalRule{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.ApprovalRule, error) {
	var rule domain.ApprovalRule
	err := db.WithContext(ctx).
		Where("company_id = ? AND id = ?", companyID, id).
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, companyID snowflake.ID, activeOnly bool) ([]*domain.ApprovalRule, error) {
	var rules []*domain.ApprovalRule
	stmt := db.WithContext(ctx).
		Model(&domain.ApprovalRule{}).
		Where("company_id = ?", companyID)
	if activeOnly {
		stmt = stmt.Where("is_active = ?", true)
	}
	err := stmt.
		Order("priority asc, id asc").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}
