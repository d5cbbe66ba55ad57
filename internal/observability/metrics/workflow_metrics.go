package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	apinvoicedomain "github.com/sitebooks/sitebooks/internal/apinvoice/domain"
	"gorm.io/gorm"
)

const (
	DecisionReasonStaleState           = "stale_state"
	DecisionReasonInvalidTransition    = "invalid_transition"
	DecisionReasonRoutingGap           = "routing_gap"
	DecisionReasonNotAuthorized        = "not_authorized"
	DecisionReasonDeadlineExceeded     = "deadline_exceeded"
	DecisionReasonDBLockTimeout        = "db_lock_timeout"
	DecisionReasonSerializationFailure = "serialization_failure"
	DecisionReasonNotFound             = "not_found"
	DecisionReasonUnknown              = "unknown"
)

// WorkflowMetrics captures invoice workflow health signals.
type WorkflowMetrics struct {
	transitions    *prometheus.CounterVec
	decisionErrors *prometheus.CounterVec
	bulkBatchSize  prometheus.Observer
}

var (
	workflowMetricsOnce sync.Once
	workflowMetrics     *WorkflowMetrics
)

// Workflow returns the singleton workflow metrics registry.
func Workflow() *WorkflowMetrics {
	return WorkflowWithConfig(Config{})
}

// WorkflowWithConfig returns the singleton workflow metrics registry using config labels.
func WorkflowWithConfig(cfg Config) *WorkflowMetrics {
	workflowMetricsOnce.Do(func() {
		workflowMetrics = newWorkflowMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return workflowMetrics
}

// ResetWorkflowMetricsForTest resets the workflow metrics singleton for tests.
func ResetWorkflowMetricsForTest() {
	workflowMetricsOnce = sync.Once{}
	workflowMetrics = nil
}

func newWorkflowMetrics(registerer prometheus.Registerer, cfg Config) *WorkflowMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "sitebooks"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "sitebooks_invoice_transition_total",
		Help:        "Invoice lifecycle transitions to validate workflow integrity.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	decisionErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "sitebooks_approval_decision_errors_total",
		Help:        "Failed approval decisions by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"action", "reason"})
	bulkBatchSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "sitebooks_bulk_approve_batch_size",
		Help:        "Invoice counts per bulk approval request.",
		Buckets:     []float64{1, 2, 5, 10, 25, 50, 100},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		transitions,
		decisionErrors,
		bulkBatchSize,
	)

	return &WorkflowMetrics{
		transitions:    transitions,
		decisionErrors: decisionErrors,
		bulkBatchSize:  bulkBatchSize,
	}
}

// IncTransition increments the invoice transition counter.
func (m *WorkflowMetrics) IncTransition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// IncDecisionError increments the decision error counter with classification.
func (m *WorkflowMetrics) IncDecisionError(action string, err error) {
	if m == nil || m.decisionErrors == nil || err == nil {
		return
	}
	m.decisionErrors.WithLabelValues(action, ClassifyDecisionReason(err)).Inc()
}

// ObserveBulkBatchSize records the size of a bulk approval batch.
func (m *WorkflowMetrics) ObserveBulkBatchSize(count int) {
	if m == nil || m.bulkBatchSize == nil || count <= 0 {
		return
	}
	m.bulkBatchSize.Observe(float64(count))
}

// ClassifyDecisionReason maps decision errors to low-cardinality reasons.
func ClassifyDecisionReason(err error) string {
	switch {
	case err == nil:
		return DecisionReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return DecisionReasonDeadlineExceeded
	case errors.Is(err, apinvoicedomain.ErrStaleState):
		return DecisionReasonStaleState
	case errors.Is(err, apinvoicedomain.ErrInvalidTransition):
		return DecisionReasonInvalidTransition
	case errors.Is(err, apinvoicedomain.ErrRoutingGap):
		return DecisionReasonRoutingGap
	case errors.Is(err, apinvoicedomain.ErrNotAuthorized), errors.Is(err, apinvoicedomain.ErrMissingActor):
		return DecisionReasonNotAuthorized
	case errors.Is(err, apinvoicedomain.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return DecisionReasonNotFound
	case isDBLockTimeout(err):
		return DecisionReasonDBLockTimeout
	case isSerializationFailure(err):
		return DecisionReasonSerializationFailure
	default:
		return DecisionReasonUnknown
	}
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
