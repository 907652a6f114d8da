package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver(t *testing.T) {
	m := New()

	m.ObserveOp("write", nil)
	m.ObserveOp("write", nil)
	m.ObserveOp("read", errors.New("boom"))
	m.SubscriptionOpened()
	m.SubscriptionOpened()
	m.SubscriptionClosed()
	m.ClientConnected()
	m.FrameDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OpsTotal.WithLabelValues("write", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpsTotal.WithLabelValues("read", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSubscriptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectedClients))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedFrames))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ClientConnected()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relay_connected_clients 1")
}
