package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apinvoicedomain "github.com/sitebooks/sitebooks/internal/apinvoice/domain"
	"github.com/sitebooks/sitebooks/pkg/db/pagination"
)

type invoiceLineInput struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	JobID       string `json:"job_id"`
	GLCode      string `json:"gl_code"`
}

type createInvoiceRequest struct {
	InvoiceNumber  string             `json:"invoice_number"`
	SupplierID     string             `json:"supplier_id"`
	TotalInc       int64              `json:"total_inc"`
	CapexRequestID string             `json:"capex_request_id"`
	Lines          []invoiceLineInput `json:"lines"`
}

type updateInvoiceRequest struct {
	InvoiceNumber *string            `json:"invoice_number,omitempty"`
	SupplierID    *string            `json:"supplier_id,omitempty"`
	TotalInc      *int64             `json:"total_inc,omitempty"`
	Lines         []invoiceLineInput `json:"lines,omitempty"`
}

type rejectInvoiceRequest struct {
	Reason string `json:"reason"`
}

type bulkApproveRequest struct {
	IDs []string `json:"ids"`
}

type setInvoiceFlagsRequest struct {
	IsUrgent *bool `json:"is_urgent,omitempty"`
	IsOnHold *bool `json:"is_on_hold,omitempty"`
}

func toLineInputs(lines []invoiceLineInput) []apinvoicedomain.LineInput {
	if lines == nil {
		return nil
	}
	inputs := make([]apinvoicedomain.LineInput, 0, len(lines))
	for _, line := range lines {
		inputs = append(inputs, apinvoicedomain.LineInput{
			Description: line.Description,
			Amount:      line.Amount,
			JobID:       line.JobID,
			GLCode:      line.GLCode,
		})
	}
	return inputs
}

func (s *Server) CreateInvoice(c *gin.Context) {
	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.invoiceSvc.CreateDraft(c.Request.Context(), apinvoicedomain.CreateDraftRequest{
		InvoiceNumber:  strings.TrimSpace(req.InvoiceNumber),
		SupplierID:     strings.TrimSpace(req.SupplierID),
		TotalInc:       req.TotalInc,
		CapexRequestID: strings.TrimSpace(req.CapexRequestID),
		Lines:          toLineInputs(req.Lines),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListInvoices(c *gin.Context) {
	var query struct {
		PageToken   string `form:"page_token"`
		PageSize    int    `form:"page_size"`
		Status      string `form:"status"`
		WaitingOnMe string `form:"waiting_on_me"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	waitingOnMe, err := parseOptionalBool(query.WaitingOnMe)
	if err != nil {
		AbortWithError(c, newValidationError("waiting_on_me", "invalid_waiting_on_me", "invalid waiting_on_me"))
		return
	}

	resp, err := s.invoiceSvc.List(c.Request.Context(), apinvoicedomain.ListInvoicesRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Status:      apinvoicedomain.InvoiceStatus(strings.TrimSpace(query.Status)),
		WaitingOnMe: waitingOnMe != nil && *waitingOnMe,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Invoices, "page_info": resp.PageInfo})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	resp, err := s.invoiceSvc.GetByID(c.Request.Context(), apinvoicedomain.GetInvoiceRequest{ID: id})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateInvoice(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	var req updateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.invoiceSvc.Update(c.Request.Context(), apinvoicedomain.UpdateInvoiceRequest{
		ID:            id,
		InvoiceNumber: trimStringPtr(req.InvoiceNumber),
		SupplierID:    trimStringPtr(req.SupplierID),
		TotalInc:      req.TotalInc,
		Lines:         toLineInputs(req.Lines),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteInvoice(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if err := s.invoiceSvc.Delete(c.Request.Context(), apinvoicedomain.GetInvoiceRequest{ID: id}); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) SubmitInvoice(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	resp, err := s.invoiceSvc.Submit(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Invoice, "routing_gap": resp.RoutingGap})
}

func (s *Server) ApproveInvoice(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	resp, err := s.invoiceSvc.Approve(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RejectInvoice(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	var req rejectInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.invoiceSvc.Reject(c.Request.Context(), apinvoicedomain.RejectRequest{
		ID:     id,
		Reason: strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) BulkApproveInvoices(c *gin.Context) {
	var req bulkApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(req.IDs) == 0 {
		AbortWithError(c, newValidationError("ids", "invalid_ids", "at least one invoice id is required"))
		return
	}

	resp, err := s.invoiceSvc.BulkApprove(c.Request.Context(), req.IDs)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ExportInvoice(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	resp, err := s.invoiceSvc.Export(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetInvoiceApprovalChain(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	resp, err := s.invoiceSvc.GetApprovalChain(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListInvoiceStatusCounts(c *gin.Context) {
	resp, err := s.invoiceSvc.ListStatusCounts(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) SetInvoiceFlags(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	var req setInvoiceFlagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.invoiceSvc.SetFlags(c.Request.Context(), apinvoicedomain.SetFlagsRequest{
		ID:       id,
		IsUrgent: req.IsUrgent,
		IsOnHold: req.IsOnHold,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
