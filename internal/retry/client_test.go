package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdelgatto/permabull/internal/exchange"
)

// flakyExchange fails a configured number of times before succeeding.
type flakyExchange struct {
	exchange.Exchange

	failures  int
	failWith  error
	closeCall int
	cancelled []string
}

func (f *flakyExchange) ClosePosition(_ context.Context, symbol string, size float64) (*exchange.OrderAck, error) {
	f.closeCall++
	if f.closeCall <= f.failures {
		return nil, f.failWith
	}
	return &exchange.OrderAck{OrderID: "close-ok"}, nil
}

func (f *flakyExchange) CancelFuturesOrder(_ context.Context, orderID string) error {
	if f.closeCall < f.failures {
		f.closeCall++
		return f.failWith
	}
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func fastClient(ex exchange.Exchange) *Client {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewClient(ex, log, Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	})
}

func TestClosePositionRetriesTransientFailures(t *testing.T) {
	ex := &flakyExchange{failures: 2, failWith: &exchange.APIError{Status: 503, Body: "unavailable"}}
	ack, err := fastClient(ex).ClosePositionWithRetry(context.Background(), "PF_XBTUSD", 0.01)
	require.NoError(t, err)
	assert.Equal(t, "close-ok", ack.OrderID)
	assert.Equal(t, 3, ex.closeCall)
}

func TestClosePositionDoesNotRetryPermanentErrors(t *testing.T) {
	ex := &flakyExchange{failures: 10, failWith: &exchange.APIError{Status: 400, Body: "invalid size"}}
	_, err := fastClient(ex).ClosePositionWithRetry(context.Background(), "PF_XBTUSD", 0.01)
	require.Error(t, err)
	assert.Equal(t, 1, ex.closeCall, "a 400 is not transient")
}

func TestClosePositionExhaustsRetries(t *testing.T) {
	ex := &flakyExchange{failures: 10, failWith: errors.New("connection reset by peer")}
	_, err := fastClient(ex).ClosePositionWithRetry(context.Background(), "PF_XBTUSD", 0.01)
	require.Error(t, err)
	assert.Equal(t, 4, ex.closeCall, "initial attempt plus three retries")
	assert.Contains(t, err.Error(), "after 4 attempts")
}

func TestCancelOrderWithRetry(t *testing.T) {
	ex := &flakyExchange{}
	require.NoError(t, fastClient(ex).CancelOrderWithRetry(context.Background(), "oid-1"))
	assert.Equal(t, []string{"oid-1"}, ex.cancelled)
}

func TestContextCancellationStopsRetrying(t *testing.T) {
	ex := &flakyExchange{failures: 100, failWith: errors.New("timeout")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fastClient(ex).ClosePositionWithRetry(ctx, "PF_XBTUSD", 0.01)
	assert.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&exchange.APIError{Status: 429}, true},
		{&exchange.APIError{Status: 502}, true},
		{&exchange.APIError{Status: 401}, false},
		{errors.New("dial tcp: i/o timeout"), true},
		{errors.New("rate limit exceeded"), true},
		{errors.New("insufficient funds"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsTransient(tc.err), "%v", tc.err)
	}
}
