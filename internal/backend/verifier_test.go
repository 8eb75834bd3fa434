package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

const testPackage = "com.example.lotto"

// fakePlay serves purchases.subscriptions.get for the tokens in subs.
func fakePlay(t *testing.T, subs map[string]map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := "/androidpublisher/v3/applications/" + testPackage + "/purchases/subscriptions/lotto_pro_monthly/tokens/"
		token, ok := strings.CutPrefix(r.URL.Path, prefix)
		w.Header().Set("Content-Type", "application/json")
		body, found := subs[token]
		if !ok || !found {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": 404, "message": "purchase token not found"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newPlayVerifier(t *testing.T, srv *httptest.Server, now time.Time) *PlayVerifier {
	t.Helper()
	pv, err := NewPlayVerifier(context.Background(), testPackage,
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	pv.now = func() time.Time { return now }
	return pv
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func TestPlayVerifier(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(30 * 24 * time.Hour)

	srv := fakePlay(t, map[string]map[string]any{
		"valid": {
			"orderId":          "GPA.1234..0",
			"expiryTimeMillis": millis(future),
			"autoRenewing":     true,
			"paymentState":     1,
		},
		"expired": {
			"orderId":          "GPA.1234",
			"expiryTimeMillis": millis(now.Add(-time.Hour)),
		},
		"pending": {
			"orderId":          "GPA.1234",
			"expiryTimeMillis": millis(future),
			"paymentState":     0,
		},
	})
	pv := newPlayVerifier(t, srv, now)
	ctx := context.Background()

	req := func(token, order string) PurchaseRequest {
		return PurchaseRequest{PurchaseToken: token, OrderID: order, ProductID: "lotto_pro_monthly"}
	}

	t.Run("valid renewal", func(t *testing.T) {
		v, err := pv.Verify(ctx, req("valid", "GPA.1234"))
		require.NoError(t, err)
		assert.True(t, v.Valid)
		assert.True(t, v.AutoRenew)
		require.NotNil(t, v.ExpiresAt)
		assert.True(t, v.ExpiresAt.Equal(future))
	})

	t.Run("order mismatch", func(t *testing.T) {
		v, err := pv.Verify(ctx, req("valid", "GPA.9999"))
		require.NoError(t, err)
		assert.False(t, v.Valid)
		assert.Equal(t, "order id does not match token", v.Reason)
	})

	t.Run("expired", func(t *testing.T) {
		v, err := pv.Verify(ctx, req("expired", "GPA.1234"))
		require.NoError(t, err)
		assert.False(t, v.Valid)
		assert.Equal(t, "subscription expired", v.Reason)
	})

	t.Run("unknown token", func(t *testing.T) {
		v, err := pv.Verify(ctx, req("missing", "GPA.1234"))
		require.NoError(t, err)
		assert.False(t, v.Valid)
		assert.Contains(t, v.Reason, "store rejected token")
	})

	t.Run("payment pending", func(t *testing.T) {
		_, err := pv.Verify(ctx, req("pending", "GPA.1234"))
		assert.ErrorIs(t, err, errPaymentPending)
	})

	t.Run("missing product", func(t *testing.T) {
		v, err := pv.Verify(ctx, PurchaseRequest{PurchaseToken: "valid", OrderID: "GPA.1234"})
		require.NoError(t, err)
		assert.False(t, v.Valid)
	})
}

func TestPlayVerifierStoreOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":500,"message":"backend error"}}`))
	}))
	t.Cleanup(srv.Close)

	pv := newPlayVerifier(t, srv, time.Now())
	_, err := pv.Verify(context.Background(), PurchaseRequest{PurchaseToken: "t", OrderID: "o", ProductID: "lotto_pro_monthly"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, errPaymentPending)
}

func TestNewPlayVerifierRequiresPackage(t *testing.T) {
	_, err := NewPlayVerifier(context.Background(), "", option.WithoutAuthentication())
	assert.Error(t, err)
}

func TestLenientVerifier(t *testing.T) {
	v, err := LenientVerifier{}.Verify(context.Background(), PurchaseRequest{PurchaseToken: "t", OrderID: "o"})
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Nil(t, v.ExpiresAt)

	v, err = LenientVerifier{}.Verify(context.Background(), PurchaseRequest{PurchaseToken: "t"})
	require.NoError(t, err)
	assert.False(t, v.Valid)
}
