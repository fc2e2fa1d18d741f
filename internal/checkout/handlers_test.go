package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketd/ticketd/internal/accounting"
	"github.com/ticketd/ticketd/internal/mockpay"
	"github.com/ticketd/ticketd/internal/order"
)

func newTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t, accounting.Supplies{ClassA: 2, ClassB: 5, Goodies: 2})
	h := NewHandler(f.svc, f.provider)

	r := gin.New()
	h.RegisterRoutes(r.Group("/api"))
	h.RegisterPaymentRoutes(r)
	h.RegisterAdminRoutes(r.Group("/api/admin"))
	return r, f
}

func postJSON(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestCheckoutEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := postJSON(r, "/api/checkout", gin.H{"class": "A", "customer_email": "fan@example.com"})
	require.Equal(t, http.StatusOK, w.Code)

	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotEmpty(t, res.OrderID)
	assert.Contains(t, res.RedirectURL, "/payments/mock/")
	assert.True(t, res.GoodieHeld)

	// The order is queryable right away.
	w = get(r, "/api/orders/"+res.OrderID)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckoutEndpointRejectsBadInput(t *testing.T) {
	r, _ := newTestRouter(t)

	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/api/checkout", gin.H{}).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/api/checkout", gin.H{"class": "Z"}).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/api/checkout", gin.H{"class": "A", "customer_email": "not-an-email"}).Code)
}

func TestCheckoutEndpointSoldOut(t *testing.T) {
	r, _ := newTestRouter(t)

	require.Equal(t, http.StatusOK, postJSON(r, "/api/checkout", gin.H{"class": "A"}).Code)
	require.Equal(t, http.StatusOK, postJSON(r, "/api/checkout", gin.H{"class": "A"}).Code)

	w := postJSON(r, "/api/checkout", gin.H{"class": "A"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "sold_out")
}

func TestOrderEndpointNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	assert.Equal(t, http.StatusNotFound, get(r, "/api/orders/ord_missing").Code)
}

func TestInventoryEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := get(r, "/api/inventory")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"class":"A"`)
	assert.Contains(t, w.Body.String(), `"available"`)
}

func TestWebhookEndpoint(t *testing.T) {
	r, f := newTestRouter(t)

	w := postJSON(r, "/api/checkout", gin.H{"class": "A"})
	require.Equal(t, http.StatusOK, w.Code)
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	event := f.provider.NewEvent(res.IntentID, mockpay.EventPaid)
	w = postJSON(r, "/payments/webhook", event)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"PAID"`)
}

func TestWebhookEndpointRejectsBadSignature(t *testing.T) {
	r, f := newTestRouter(t)

	event := f.provider.NewEvent("mock_abc", mockpay.EventPaid)
	event.Signature = "forged"
	w := postJSON(r, "/payments/webhook", event)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookEndpointUnknownIntent(t *testing.T) {
	r, f := newTestRouter(t)

	event := f.provider.NewEvent("mock_nobody", mockpay.EventPaid)
	w := postJSON(r, "/payments/webhook", event)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookEndpointStaleTimestamp(t *testing.T) {
	r, f := newTestRouter(t)

	event := f.provider.NewEvent("mock_abc", mockpay.EventPaid)
	event.Timestamp = time.Now().Add(-10 * time.Minute).Unix()
	event.Signature = f.provider.Sign(event.IntentID, event.Event, event.Timestamp)
	w := postJSON(r, "/payments/webhook", event)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	w := get(r, "/api/admin/goodies")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"capacity":2`)

	require.Equal(t, http.StatusOK, postJSON(r, "/api/checkout", gin.H{"class": "B"}).Code)
	w = get(r, "/api/admin/orders")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestMockPaymentRedirects(t *testing.T) {
	// The mock page emits to the real webhook endpoint over HTTP, so
	// stand the router up as a server and point the provider at it.
	gin.SetMode(gin.TestMode)
	f := newFixture(t, accounting.Supplies{ClassA: 2, ClassB: 5, Goodies: 2})

	r := gin.New()
	srv := httptest.NewServer(r)
	defer srv.Close()

	provider := mockpay.New("whsec_test", srv.URL+"/payments/webhook")
	f.provider = provider
	h := NewHandler(f.svc, provider)
	h.RegisterRoutes(r.Group("/api"))
	h.RegisterPaymentRoutes(r)

	w := postJSON(r, "/api/checkout", gin.H{"class": "A"})
	require.Equal(t, http.StatusOK, w.Code)
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	w = get(r, "/payments/mock/"+res.IntentID)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/success?order_id="+res.OrderID, w.Header().Get("Location"))

	o, err := f.svc.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)
}
