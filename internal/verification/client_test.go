package verification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	suberrors "github.com/rcourtman/lotto-entitlements/internal/errors"
	"github.com/rcourtman/lotto-entitlements/internal/logging"
	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

var testPurchase = entitlement.PurchaseRecord{
	Token:         "purchase-token-abcdef123456",
	OrderID:       "GPA.1234",
	ProductID:     "lotto_pro_monthly",
	PurchaseState: entitlement.PurchasePurchased,
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithDNSCache(false), WithBackoff(time.Millisecond), WithTimeout(2 * time.Second)}, opts...)
	c, err := New(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)
	_, err = New("::not a url")
	assert.Error(t, err)
}

func TestVerifySuccess(t *testing.T) {
	var gotAuth, gotRequestID string
	var gotBody verifyRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, pathVerify, r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get(logging.RequestIDHeader)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, http.StatusOK, map[string]any{
			"verified":              true,
			"is_pro":                true,
			"subscription_end_date": "2026-11-18T09:30:00.123456",
			"message":               "ok",
		})
	}, WithBearerToken("secret-token"))

	ctx, id := logging.WithRequestID(context.Background(), "req-42")
	res, err := c.Verify(ctx, testPurchase)
	require.NoError(t, err)

	assert.True(t, res.Verified)
	assert.True(t, res.IsPro)
	require.NotNil(t, res.SubscriptionEndDate)
	assert.Equal(t, time.Date(2026, 11, 18, 9, 30, 0, 123456000, time.UTC), *res.SubscriptionEndDate)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, id, gotRequestID)
	assert.Equal(t, testPurchase.Token, gotBody.PurchaseToken)
	assert.Equal(t, testPurchase.OrderID, gotBody.OrderID)
	assert.Equal(t, testPurchase.ProductID, gotBody.ProductID)
}

func TestVerifyRejections(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		message string
	}{
		{"verified false", http.StatusOK, map[string]any{"verified": false, "is_pro": true, "message": "refunded"}, "refunded"},
		{"bad request", http.StatusBadRequest, map[string]any{"detail": "order already used"}, "order already used"},
		{"forbidden", http.StatusForbidden, map[string]any{"message": "revoked"}, "revoked"},
		{"unprocessable", http.StatusUnprocessableEntity, map[string]any{"detail": "bad token"}, "bad token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeJSON(w, tt.status, tt.body)
			})

			res, err := c.Verify(context.Background(), testPurchase)
			require.NoError(t, err)
			assert.False(t, res.Verified)
			assert.False(t, res.IsPro, "a rejected purchase never carries Pro")
			assert.Equal(t, tt.message, res.Message)
			assert.Equal(t, int32(1), calls.Load(), "rejections are not retried")
		})
	}
}

func TestVerifyUnauthorizedIsNotAVerdict(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "token expired"})
	})

	_, err := c.Verify(context.Background(), testPurchase)
	require.Error(t, err)
	assert.True(t, suberrors.IsAuthError(err))
	assert.False(t, suberrors.IsRetryableError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestVerifyRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"detail": "warming up"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"verified": true, "is_pro": true})
	})

	res, err := c.Verify(context.Background(), testPurchase)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, int32(3), calls.Load())
}

func TestVerifyGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadGateway, map[string]any{"detail": "upstream down"})
	}, WithAttempts(2))

	_, err := c.Verify(context.Background(), testPurchase)
	require.Error(t, err)
	assert.True(t, suberrors.IsRetryableError(err))
	assert.False(t, suberrors.IsRejection(err))
	assert.Equal(t, int32(2), calls.Load())

	var subErr *suberrors.SubscriptionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, http.StatusBadGateway, subErr.StatusCode)
}

func TestVerifyNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, WithDNSCache(false), WithBackoff(time.Millisecond), WithAttempts(2))
	require.NoError(t, err)

	_, err = c.Verify(context.Background(), testPurchase)
	require.Error(t, err)
	assert.ErrorIs(t, err, suberrors.ErrNetwork)
}

func TestVerifyStopsOnCancelledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"detail": "busy"})
	}, WithBackoff(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Verify(ctx, testPurchase)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestVerifyRequiresToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.Verify(context.Background(), entitlement.PurchaseRecord{})
	assert.ErrorIs(t, err, suberrors.ErrInvalidInput)
}

func TestVerifySharesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"verified": true, "is_pro": true})
	})

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Verify(context.Background(), testPurchase)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	<-started
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, res := range results {
		assert.True(t, res.Verified)
	}
}

func TestStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, pathStatus, r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"is_pro":                false,
			"trial_active":          true,
			"trial_days_remaining":  12,
			"subscription_plan":     "trial",
			"has_access":            true,
			"trial_start_date":      "2026-10-01 08:00:00",
			"trial_end_date":        "2026-10-31",
			"subscription_end_date": nil,
			"auto_renew":            false,
		})
	})

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.TrialActive)
	assert.Equal(t, 12, st.TrialDaysRemaining)
	require.NotNil(t, st.TrialStartDate)
	assert.Equal(t, time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC), st.TrialStartDate.Time)

	rec := st.Record()
	assert.True(t, rec.TrialStarted)
	assert.True(t, rec.TrialActive)
	assert.Nil(t, rec.SubscriptionEndDate)
}

func TestStartTrialAlreadyUsed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathStartTrial, r.URL.Path)
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Trial already used"})
	})

	_, err := c.StartTrial(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, suberrors.ErrConflict)
	assert.Contains(t, err.Error(), "Trial already used")
}

func TestStartTrialSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"trial_active":         true,
			"trial_days_remaining": 30,
			"trial_start_date":     "2026-10-19T10:00:00Z",
			"has_access":           true,
		})
	})

	st, err := c.StartTrial(context.Background())
	require.NoError(t, err)
	assert.True(t, st.TrialActive)
	assert.Equal(t, 30, st.TrialDaysRemaining)
}

func TestCancel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathCancel, r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":               true,
			"message":               "Auto-renewal disabled",
			"subscription_end_date": "2026-11-18T00:00:00Z",
		})
	})

	res, err := c.Cancel(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.SubscriptionEndDate.Ptr())
	assert.Equal(t, 2026, res.SubscriptionEndDate.Year())
}

func TestNextDelay(t *testing.T) {
	cfg := backoffConfig{Initial: time.Second, Multiplier: 2, Jitter: 0.2, Max: 5 * time.Second}

	assert.Equal(t, time.Second, cfg.nextDelay(0, 0.5))
	assert.Equal(t, 2*time.Second, cfg.nextDelay(1, 0.5))
	assert.Equal(t, 5*time.Second, cfg.nextDelay(10, 0.5))
	assert.Equal(t, 800*time.Millisecond, cfg.nextDelay(0, 0))
	assert.Equal(t, 1200*time.Millisecond, cfg.nextDelay(0, 1))
}

func TestTimestampLayouts(t *testing.T) {
	for _, raw := range []string{
		"2026-10-19T10:00:00Z",
		"2026-10-19T10:00:00.5+00:00",
		"2026-10-19T10:00:00",
		"2026-10-19 10:00:00",
	} {
		ts, err := ParseTimestamp(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, 2026, ts.Year())
		assert.Equal(t, 10, ts.Hour())
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)

	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`""`), &ts))
	assert.True(t, ts.IsZero())
	out, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}
