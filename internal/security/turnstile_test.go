package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p369349074/QuantDinger-sub001/internal/config"
)

func enabledConfig() config.TurnstileConfig {
	return config.TurnstileConfig{SiteKey: "site", SecretKey: "secret"}
}

func TestVerifyDisabledPassesEverything(t *testing.T) {
	ts := NewTurnstile(config.TurnstileConfig{})
	assert.NoError(t, ts.Verify(context.Background(), "", ""))
	assert.NoError(t, ts.Verify(context.Background(), "anything", "1.2.3.4"))
}

func TestVerifyMissingToken(t *testing.T) {
	ts := NewTurnstile(enabledConfig())
	assert.ErrorIs(t, ts.Verify(context.Background(), "", ""), ErrMissingToken)
}

func TestVerifySuccessAndFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("response") == "good-token" {
			w.Write([]byte(`{"success":true}`))
			return
		}
		w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	ts := NewTurnstile(enabledConfig(), WithEndpoint(srv.URL))
	assert.NoError(t, ts.Verify(context.Background(), "good-token", "1.2.3.4"))
	assert.ErrorIs(t, ts.Verify(context.Background(), "bad-token", ""), ErrVerifyFailed)
}

func TestVerifyEndpointDownDenies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // unreachable

	ts := NewTurnstile(enabledConfig(), WithEndpoint(srv.URL))
	assert.ErrorIs(t, ts.Verify(context.Background(), "token", ""), ErrServiceUnhealthy)
}

func TestVerifyBadResponseBodyDenies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	ts := NewTurnstile(enabledConfig(), WithEndpoint(srv.URL))
	assert.ErrorIs(t, ts.Verify(context.Background(), "token", ""), ErrServiceUnhealthy)
}

func TestReadyProbesOnceForConcurrentCallers(t *testing.T) {
	var probes atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		<-release
		w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	ts := NewTurnstile(enabledConfig(), WithEndpoint(srv.URL))

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ts.Ready(context.Background())
		}(i)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), probes.Load(), "all callers must share one probe")
	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}

	// Warmed: further calls return immediately without another probe.
	assert.NoError(t, ts.Ready(context.Background()))
	assert.Equal(t, int32(1), probes.Load())
}

func TestReadyFailureRearms(t *testing.T) {
	var probes atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()

	ts := NewTurnstile(enabledConfig(), WithEndpoint(down.URL))
	require.ErrorIs(t, ts.Ready(context.Background()), ErrServiceUnhealthy)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	// A failed probe leaves the verifier idle; pointing it at a healthy
	// endpoint and retrying warms it.
	ts2 := NewTurnstile(enabledConfig(), WithEndpoint(srv.URL))
	assert.NoError(t, ts2.Ready(context.Background()))
	assert.Equal(t, int32(1), probes.Load())
}

func TestReadyDisabledIsNoop(t *testing.T) {
	ts := NewTurnstile(config.TurnstileConfig{})
	assert.NoError(t, ts.Ready(context.Background()))
}

func TestCloseRejectsWaitersAndFurtherUse(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()
	defer close(block)

	ts := NewTurnstile(enabledConfig(), WithEndpoint(srv.URL))

	started := make(chan struct{})
	waiterErr := make(chan error, 1)
	go func() {
		close(started)
		waiterErr <- ts.Ready(context.Background())
	}()
	<-started

	// Second caller queues behind the in-flight probe, then Close rejects it.
	queued := make(chan error, 1)
	go func() {
		queued <- ts.Ready(context.Background())
	}()

	// Give the second caller a moment to register as a waiter, then close.
	for {
		ts.mu.Lock()
		n := len(ts.waiters)
		ts.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	ts.Close()

	assert.ErrorIs(t, <-queued, ErrTurnstileClosed)
	assert.ErrorIs(t, ts.Verify(context.Background(), "token", ""), ErrTurnstileClosed)
	assert.ErrorIs(t, ts.Ready(context.Background()), ErrTurnstileClosed)
}

func TestResetReturnsToIdle(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	ts := NewTurnstile(enabledConfig(), WithEndpoint(srv.URL))
	require.NoError(t, ts.Ready(context.Background()))
	ts.Reset()
	require.NoError(t, ts.Ready(context.Background()))
	assert.Equal(t, int32(2), probes.Load())
}
