// Package export is the boundary to the accounting export and CAPEX
// collaborators. The real integrations live outside this service; the
// default implementation only logs.
package export

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Collaborator receives approval side effects and performs exports.
type Collaborator interface {
	// ExportInvoice pushes an approved invoice to the accounting system.
	ExportInvoice(ctx context.Context, companyID, invoiceID snowflake.ID) error
	// NotifyCapexApproved tells the CAPEX collaborator a linked invoice
	// was approved.
	NotifyCapexApproved(ctx context.Context, companyID, invoiceID, capexRequestID snowflake.ID) error
}

type logCollaborator struct {
	log *zap.Logger
}

func NewLogCollaborator(log *zap.Logger) Collaborator {
	return &logCollaborator{log: log.Named("export.collaborator")}
}

func (c *logCollaborator) ExportInvoice(ctx context.Context, companyID, invoiceID snowflake.ID) error {
	c.log.Info("export requested",
		zap.String("company_id", companyID.String()),
		zap.String("invoice_id", invoiceID.String()),
	)
	return nil
}

func (c *logCollaborator) NotifyCapexApproved(ctx context.Context, companyID, invoiceID, capexRequestID snowflake.ID) error {
	c.log.Info("capex approval notified",
		zap.String("company_id", companyID.String()),
		zap.String("invoice_id", invoiceID.String()),
		zap.String("capex_request_id", capexRequestID.String()),
	)
	return nil
}

var Module = fx.Module("export.collaborator",
	fx.Provide(NewLogCollaborator),
)
