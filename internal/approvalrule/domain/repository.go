package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, rule *ApprovalRule) error
	Update(ctx context.Context, db *gorm.DB, rule *ApprovalRule) error
	Delete(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) error
	FindByID(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*ApprovalRule, error)
	List(ctx context.Context, db *gorm.DB, companyID snowflake.ID, activeOnly bool) ([]*ApprovalRule, error)
}
