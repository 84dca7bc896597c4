package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"relayverify/pkg/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveResult(t *testing.T) {
	m := New()

	m.Started()
	m.Started()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))

	m.ObserveResult(&models.VerificationResult{
		Status:   models.ResultConfirmed,
		Block:    &models.BlockReference{Number: 105},
		Duration: time.Second,
	})
	m.ObserveResult(&models.VerificationResult{
		Status:     models.ResultFailed,
		ErrorKind:  "ProofUnavailable",
		FailedStep: "read_proof",
	})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("failed")))
	assert.Equal(t, 105.0, testutil.ToFloat64(m.lastVerifiedBlock))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("ProofUnavailable", "read_proof")))
}

func TestObserveRetryAndSteps(t *testing.T) {
	m := New()
	m.ObserveRetry("NotFound")
	m.ObserveRetry("NotFound")
	m.ObserveState(models.StateSubmitted)
	m.ObserveStep("LatestBlockRead", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.retries.WithLabelValues("NotFound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissionStates.WithLabelValues("submitted")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stepDuration))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveRetry("Network")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `relayverify_retries_total{kind="Network"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
