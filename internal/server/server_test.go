package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	apinvoicedomain "github.com/sitebooks/sitebooks/internal/apinvoice/domain"
	approvalruledomain "github.com/sitebooks/sitebooks/internal/approvalrule/domain"
	auditdomain "github.com/sitebooks/sitebooks/internal/audit/domain"
	"github.com/sitebooks/sitebooks/internal/config"
	"github.com/sitebooks/sitebooks/internal/observability"
	"github.com/stretchr/testify/assert"
)

type fakeRuleService struct {
	created []approvalruledomain.CreateRuleRequest
}

func (f *fakeRuleService) Create(ctx context.Context, req approvalruledomain.CreateRuleRequest) (approvalruledomain.ApprovalRule, error) {
	_ = ctx
	f.created = append(f.created, req)
	return approvalruledomain.ApprovalRule{ID: snowflake.ID(7), Name: req.Name, RuleType: req.RuleType}, nil
}

func (f *fakeRuleService) Update(context.Context, approvalruledomain.UpdateRuleRequest) (approvalruledomain.ApprovalRule, error) {
	return approvalruledomain.ApprovalRule{}, nil
}

func (f *fakeRuleService) Delete(context.Context, approvalruledomain.GetRuleRequest) error {
	return nil
}

func (f *fakeRuleService) GetByID(context.Context, approvalruledomain.GetRuleRequest) (approvalruledomain.ApprovalRule, error) {
	return approvalruledomain.ApprovalRule{}, nil
}

func (f *fakeRuleService) List(context.Context, approvalruledomain.ListRulesRequest) (approvalruledomain.ListRulesResponse, error) {
	return approvalruledomain.ListRulesResponse{}, nil
}

func (f *fakeRuleService) ActiveRules(context.Context, int64) ([]*approvalruledomain.ApprovalRule, error) {
	return nil, nil
}

type fakeInvoiceService struct {
	submitResult apinvoicedomain.SubmitResult
	approveErr   error
}

func (f *fakeInvoiceService) CreateDraft(context.Context, apinvoicedomain.CreateDraftRequest) (apinvoicedomain.ApInvoice, error) {
	return apinvoicedomain.ApInvoice{}, nil
}

func (f *fakeInvoiceService) GetByID(context.Context, apinvoicedomain.GetInvoiceRequest) (apinvoicedomain.ApInvoice, error) {
	return apinvoicedomain.ApInvoice{}, nil
}

func (f *fakeInvoiceService) Update(context.Context, apinvoicedomain.UpdateInvoiceRequest) (apinvoicedomain.ApInvoice, error) {
	return apinvoicedomain.ApInvoice{}, nil
}

func (f *fakeInvoiceService) Delete(context.Context, apinvoicedomain.GetInvoiceRequest) error {
	return nil
}

func (f *fakeInvoiceService) List(context.Context, apinvoicedomain.ListInvoicesRequest) (apinvoicedomain.ListInvoicesResponse, error) {
	return apinvoicedomain.ListInvoicesResponse{}, nil
}

func (f *fakeInvoiceService) Submit(context.Context, string) (apinvoicedomain.SubmitResult, error) {
	return f.submitResult, nil
}

func (f *fakeInvoiceService) Approve(context.Context, string) (apinvoicedomain.ApInvoice, error) {
	if f.approveErr != nil {
		return apinvoicedomain.ApInvoice{}, f.approveErr
	}
	return apinvoicedomain.ApInvoice{Status: apinvoicedomain.StatusApproved}, nil
}

func (f *fakeInvoiceService) Reject(context.Context, apinvoicedomain.RejectRequest) (apinvoicedomain.ApInvoice, error) {
	return apinvoicedomain.ApInvoice{}, nil
}

func (f *fakeInvoiceService) BulkApprove(context.Context, []string) (apinvoicedomain.BulkApproveResponse, error) {
	return apinvoicedomain.BulkApproveResponse{}, nil
}

func (f *fakeInvoiceService) Export(context.Context, string) (apinvoicedomain.ApInvoice, error) {
	return apinvoicedomain.ApInvoice{}, nil
}

func (f *fakeInvoiceService) GetApprovalChain(context.Context, string) ([]apinvoicedomain.ChainStep, error) {
	return nil, nil
}

func (f *fakeInvoiceService) ListStatusCounts(context.Context) (apinvoicedomain.StatusCounts, error) {
	return apinvoicedomain.StatusCounts{}, nil
}

func (f *fakeInvoiceService) SetFlags(context.Context, apinvoicedomain.SetFlagsRequest) (apinvoicedomain.ApInvoice, error) {
	return apinvoicedomain.ApInvoice{}, nil
}

type fakeAuditService struct{}

func (f *fakeAuditService) AuditLog(context.Context, string, *string, string, string, *string, map[string]any) error {
	return nil
}

func (f *fakeAuditService) List(context.Context, auditdomain.ListFilter) ([]auditdomain.AuditLog, error) {
	return nil, nil
}

func setupServer(t *testing.T, invoiceSvc *fakeInvoiceService, ruleSvc *fakeRuleService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	engine := NewEngine(observability.Config{})
	NewServer(ServerParams{
		Gin:        engine,
		Cfg:        config.Config{},
		GenID:      node,
		RuleSvc:    ruleSvc,
		InvoiceSvc: invoiceSvc,
		AuditSvc:   &fakeAuditService{},
		ApprovalCfg: config.NewStaticApprovalConfigHolder(config.ApprovalConfig{
			AdminRoles: []string{"admin"},
		}),
	})
	return engine
}

func doRequest(engine *gin.Engine, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestAPIRequiresCompanyHeader(t *testing.T) {
	engine := setupServer(t, &fakeInvoiceService{}, &fakeRuleService{})

	rec := doRequest(engine, http.MethodGet, "/api/invoices", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(engine, http.MethodGet, "/api/invoices", nil, map[string]string{
		HeaderCompany: "0",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRuleAdministrationRequiresAdminRole(t *testing.T) {
	ruleSvc := &fakeRuleService{}
	engine := setupServer(t, &fakeInvoiceService{}, ruleSvc)

	body := []byte(`{"name":"Catch all","rule_type":"USER_CATCH_ALL","approver_user_ids":["u1"]}`)

	rec := doRequest(engine, http.MethodPost, "/api/approval-rules", body, map[string]string{
		HeaderCompany:  "1001",
		HeaderUserID:   "u1",
		HeaderUserRole: "clerk",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, ruleSvc.created)

	rec = doRequest(engine, http.MethodPost, "/api/approval-rules", body, map[string]string{
		HeaderCompany:  "1001",
		HeaderUserID:   "u1",
		HeaderUserRole: "admin",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, ruleSvc.created, 1)
	assert.Equal(t, "Catch all", ruleSvc.created[0].Name)
}

func TestWorkflowConflictsMapToConflictStatus(t *testing.T) {
	invoiceSvc := &fakeInvoiceService{approveErr: apinvoicedomain.ErrInvalidTransition}
	engine := setupServer(t, invoiceSvc, &fakeRuleService{})

	rec := doRequest(engine, http.MethodPost, "/api/invoices/123/approve", nil, map[string]string{
		HeaderCompany: "1001",
		HeaderUserID:  "u1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	assert.Equal(t, "invalid_transition", resp.Error.Type)
}

func TestSubmitReportsRoutingGap(t *testing.T) {
	invoiceSvc := &fakeInvoiceService{
		submitResult: apinvoicedomain.SubmitResult{
			Invoice:    apinvoicedomain.ApInvoice{Status: apinvoicedomain.StatusPendingReview},
			RoutingGap: true,
		},
	}
	engine := setupServer(t, invoiceSvc, &fakeRuleService{})

	rec := doRequest(engine, http.MethodPost, "/api/invoices/123/submit", nil, map[string]string{
		HeaderCompany: "1001",
		HeaderUserID:  "u1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RoutingGap bool `json:"routing_gap"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	assert.True(t, resp.RoutingGap)
}
