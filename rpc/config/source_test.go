package config

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMap(t *testing.T, rev int64) []byte {
	t.Helper()
	m, err := vbmap.New(vbmap.Config{
		Revision:    rev,
		Bucket:      "default",
		NumReplicas: 1,
		Nodes: []vbmap.Node{
			{Address: vbmap.NodeAddress{Host: "10.0.0.1", Port: 11210}, Healthy: true},
			{Address: vbmap.NodeAddress{Host: "10.0.0.2", Port: 11210}, Healthy: true},
		},
		Partitions: vbmap.Layout(2, 8, 1),
	})
	require.NoError(t, err)
	data, err := m.MarshalJSON()
	require.NoError(t, err)
	return data
}

func testConfig(endpoints ...string) common.BootstrapConfig {
	return common.BootstrapConfig{
		Endpoints:   endpoints,
		Bucket:      "default",
		RetryCount:  3,
		BackoffMin:  time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		HTTPTimeout: time.Second,
	}
}

func TestFetchInitial(t *testing.T) {
	doc := testMap(t, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/pools/default/buckets/default", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.UserAgent(), "vbkv/"+common.Version))
		_, _ = w.Write(doc)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Username, cfg.Password = "admin", "secret"
	src, err := NewSource(cfg, "test-client")
	require.NoError(t, err)

	m, err := src.FetchInitial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Revision())
	assert.Equal(t, 8, m.PartitionCount())

	cfg.Password = "wrong"
	src, err = NewSource(cfg, "test-client")
	require.NoError(t, err)
	_, err = src.FetchInitial(context.Background())
	var cfgErr *common.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Err.Error(), "authentication")
}

func TestFetchInitial_BucketPassword(t *testing.T) {
	doc := testMap(t, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		assert.Equal(t, "default", user)
		assert.Equal(t, "pw", pass)
		_, _ = w.Write(doc)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Password = "pw"
	src, err := NewSource(cfg, "c")
	require.NoError(t, err)
	_, err = src.FetchInitial(context.Background())
	require.NoError(t, err)
}

func TestFetchInitial_WarmUp(t *testing.T) {
	doc := testMap(t, 9)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			_, _ = w.Write([]byte(`{"rev": 1, "vBucketServerMap": {"serverList": ["h:1"], "vBucketMap": []}}`))
			return
		}
		_, _ = w.Write(doc)
	}))
	defer srv.Close()

	src, err := NewSource(testConfig(srv.URL), "c")
	require.NoError(t, err)
	m, err := src.FetchInitial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), m.Revision())
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchInitial_Exhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"vBucketServerMap": {"serverList": [], "vBucketMap": []}}`))
	}))
	defer srv.Close()

	src, err := NewSource(testConfig(srv.URL), "c")
	require.NoError(t, err)
	_, err = src.FetchInitial(context.Background())

	var cfgErr *common.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, 3, cfgErr.Attempts)
	assert.ErrorIs(t, err, errWarmingUp)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchInitial_EndpointFailover(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	doc := testMap(t, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(doc)
	}))
	defer srv.Close()

	cfg := testConfig(deadURL, strings.TrimPrefix(srv.URL, "http://"))
	cfg.RetryCount = 1
	src, err := NewSource(cfg, "c")
	require.NoError(t, err)

	m, err := src.FetchInitial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Revision())
}

func TestFetchInitial_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RetryCount = 1000
	cfg.BackoffMin = 50 * time.Millisecond
	src, err := NewSource(cfg, "c")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = src.FetchInitial(ctx)
	var cfgErr *common.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchInitial_SharedFetchOutlivesCaller(t *testing.T) {
	doc := testMap(t, 4)
	started := make(chan struct{}, 1)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write(doc)
	}))
	defer srv.Close()

	src, err := NewSource(testConfig(srv.URL), "test-client")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	errA := make(chan error, 1)
	go func() {
		_, err := src.FetchInitial(short)
		errA <- err
	}()
	<-started

	m, err := src.FetchInitial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.Revision())
	assert.Equal(t, int32(1), hits.Load())

	err = <-errA
	var cfgErr *common.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewSource_Validation(t *testing.T) {
	_, err := NewSource(common.BootstrapConfig{Bucket: "b"}, "c")
	assert.Error(t, err)
	_, err = NewSource(common.BootstrapConfig{Endpoints: []string{"h:1"}}, "c")
	assert.Error(t, err)
	_, err = NewSource(common.BootstrapConfig{Endpoints: []string{"http://"}, Bucket: "b"}, "c")
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	src := &Source{cfg: common.BootstrapConfig{BackoffMin: 100 * time.Millisecond, BackoffMax: time.Second}}
	for attempt, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond, 10: time.Second} {
		got := src.backoff(attempt)
		assert.InDelta(t, float64(want), float64(got), float64(want)/10+1, "attempt %d", attempt)
	}
}

func TestScanDocuments(t *testing.T) {
	input := "{\"a\":1}\n\n\n\n\n\n\n\n{\"b\":\n2}\n\n\n\n{\"partial\":"
	var docs []string
	require.NoError(t, scanDocuments(strings.NewReader(input), func(doc []byte) bool {
		docs = append(docs, string(doc))
		return true
	}))
	assert.Equal(t, []string{`{"a":1}`, "{\"b\":\n2}"}, docs)

	docs = nil
	require.NoError(t, scanDocuments(strings.NewReader(input), func(doc []byte) bool {
		docs = append(docs, string(doc))
		return false
	}))
	assert.Len(t, docs, 1)
}

func TestSubscribe(t *testing.T) {
	first, second, third := testMap(t, 1), testMap(t, 2), testMap(t, 3)

	var streams atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/pools/default/buckets/default", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(third)
	})
	mux.HandleFunc("/pools/default/bucketsStreaming/default", func(w http.ResponseWriter, r *http.Request) {
		if streams.Add(1) > 1 {
			// keep later streams open without documents
			<-r.Context().Done()
			return
		}
		flusher := w.(http.Flusher)
		_, _ = w.Write(first)
		_, _ = w.Write(delimiter)
		flusher.Flush()

		// second document split across chunks
		half := len(second) / 2
		_, _ = w.Write(second[:half])
		flusher.Flush()
		_, _ = w.Write(second[half:])
		_, _ = w.Write([]byte("\n\n\n\n"))
		flusher.Flush()
		// returning ends the stream
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src, err := NewSource(testConfig(srv.URL), "c")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := src.Subscribe(ctx)

	next := func() Event {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "subscription closed early")
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("no event")
			return Event{}
		}
	}

	ev := next()
	require.Equal(t, EventUpdate, ev.Kind)
	assert.Equal(t, int64(1), ev.Map.Revision())

	ev = next()
	require.Equal(t, EventUpdate, ev.Kind)
	assert.Equal(t, int64(2), ev.Map.Revision())

	ev = next()
	require.Equal(t, EventDisconnected, ev.Kind)
	assert.Error(t, ev.Err)

	ev = next()
	require.Equal(t, EventUpdate, ev.Kind)
	assert.Equal(t, int64(3), ev.Map.Revision())

	assert.Eventually(t, func() bool { return streams.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	for ev := range events {
		// drain until closed; only updates or disconnects may still arrive
		assert.Contains(t, []EventKind{EventUpdate, EventDisconnected}, ev.Kind)
	}
}

func TestSubscribe_UnreachableNeverCloses(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cfg := testConfig(deadURL)
	cfg.RetryCount = 1
	src, err := NewSource(cfg, "c")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := src.Subscribe(ctx)

	for i := 0; i < 2; i++ {
		select {
		case ev, ok := <-events:
			require.True(t, ok)
			assert.Equal(t, EventDisconnected, ev.Kind)
			assert.False(t, errors.Is(ev.Err, context.Canceled))
		case <-time.After(5 * time.Second):
			t.Fatal("no disconnect event")
		}
	}

	cancel()
	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}
