package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRecordPayment_AmountOnlyForSettled(t *testing.T) {
	before := testutil.ToFloat64(PaymentAmount.WithLabelValues("EUR"))

	RecordPayment("paid", "EUR", decimal.RequireFromString("12.50"))
	RecordPayment("failed", "EUR", decimal.RequireFromString("99"))

	assert.InDelta(t, before+12.5, testutil.ToFloat64(PaymentAmount.WithLabelValues("EUR")), 1e-9)
}

func TestRecordReconciled_SkipsZero(t *testing.T) {
	before := testutil.ToFloat64(ReconciledRecords.WithLabelValues("linked"))
	RecordReconciled("linked", 0)
	RecordReconciled("linked", 2)
	assert.InDelta(t, before+2, testutil.ToFloat64(ReconciledRecords.WithLabelValues("linked")), 1e-9)
}
