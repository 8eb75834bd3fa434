package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTransitionSetsCurrentTier(t *testing.T) {
	before := testutil.ToFloat64(EntitlementTransitions.WithLabelValues("pro", "server"))

	RecordTransition("trial_active", "local")
	assert.Equal(t, 1.0, testutil.ToFloat64(CurrentTier.WithLabelValues("trial_active")))

	RecordTransition("pro", "server")
	assert.Equal(t, 1.0, testutil.ToFloat64(CurrentTier.WithLabelValues("pro")))
	assert.Equal(t, 0.0, testutil.ToFloat64(CurrentTier.WithLabelValues("trial_active")))
	assert.Equal(t, before+1, testutil.ToFloat64(EntitlementTransitions.WithLabelValues("pro", "server")))
}

func TestRecordBillingState(t *testing.T) {
	RecordBillingState("ready")
	assert.Equal(t, 1.0, testutil.ToFloat64(BillingState.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(BillingState.WithLabelValues("disconnected")))

	RecordBillingState("disconnected")
	assert.Equal(t, 0.0, testutil.ToFloat64(BillingState.WithLabelValues("ready")))
}

func TestObserveBackend(t *testing.T) {
	okBefore := testutil.ToFloat64(VerificationAttempts.WithLabelValues("status", "ok"))
	errBefore := testutil.ToFloat64(VerificationAttempts.WithLabelValues("status", "error"))

	ObserveBackend("status", time.Now(), nil)
	ObserveBackend("status", time.Now(), errors.New("boom"))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(VerificationAttempts.WithLabelValues("status", "ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(VerificationAttempts.WithLabelValues("status", "error")))
}
