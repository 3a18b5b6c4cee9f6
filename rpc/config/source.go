package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/singleflight"
)

var Logger = logger.GetLogger("config")

const (
	bucketPath          = "/pools/default/buckets/"
	bucketStreamingPath = "/pools/default/bucketsStreaming/"

	// maxDocumentSize bounds a single configuration document
	maxDocumentSize = 16 << 20

	bootstrapKey = "bootstrap"
)

var errWarmingUp = errors.New("bucket is warming up")

// Source fetches partition maps from the configuration service of a cluster.
// It is safe for concurrent use.
type Source struct {
	cfg       common.BootstrapConfig
	endpoints []*url.URL
	userAgent string

	// fetch is used for single documents, stream has no overall timeout
	fetch  *http.Client
	stream *http.Client

	group singleflight.Group
	next  atomic.Uint32

	// callers waiting on the shared bootstrap fetch
	flightMu     sync.Mutex
	flightCtx    context.Context
	flightCancel context.CancelFunc
	waiters      int
}

// NewSource creates a source for the bucket in cfg. clientID is sent in the
// User-Agent so server logs can be matched to client logs.
func NewSource(cfg common.BootstrapConfig, clientID string) (*Source, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("no bootstrap endpoints provided")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("no bucket provided")
	}

	endpoints := make([]*url.URL, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		u, err := parseEndpoint(ep)
		if err != nil {
			return nil, err
		}
		endpoints[i] = u
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Source{
		cfg:       cfg,
		endpoints: endpoints,
		userAgent: fmt.Sprintf("vbkv/%s (%s)", common.Version, clientID),
		fetch:     &http.Client{Transport: transport, Timeout: cfg.HTTPTimeout},
		stream:    &http.Client{Transport: transport},
	}, nil
}

// parseEndpoint accepts http(s) URLs and bare host:port pairs
func parseEndpoint(ep string) (*url.URL, error) {
	if !strings.Contains(ep, "://") {
		ep = "http://" + ep
	}
	u, err := url.Parse(ep)
	if err != nil {
		return nil, fmt.Errorf("invalid bootstrap endpoint %q: %w", ep, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid bootstrap endpoint %q: missing host", ep)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

// --------------------------------------------------------------------------
// Bootstrap
// --------------------------------------------------------------------------

// FetchInitial loads the current partition map. Every attempt tries each
// endpoint once; between attempts it backs off exponentially with jitter.
// Maps without partitions (the bucket is still warming up) are retried like
// failures. After RetryCount attempts it fails with a
// *common.ConfigurationError. Concurrent calls share one fetch; it is
// cancelled only when every caller gave up.
func (s *Source) FetchInitial(ctx context.Context) (*vbmap.PartitionMap, error) {
	shared := s.joinFetch(ctx)
	defer s.leaveFetch()

	ch := s.group.DoChan(bootstrapKey, func() (interface{}, error) {
		return s.fetchWithRetry(shared)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*vbmap.PartitionMap), nil
	case <-ctx.Done():
		return nil, &common.ConfigurationError{Bucket: s.cfg.Bucket, Err: ctx.Err()}
	}
}

// joinFetch registers a caller of the shared fetch and returns the context
// the fetch runs under. The first caller creates it.
func (s *Source) joinFetch(ctx context.Context) context.Context {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	if s.waiters == 0 {
		s.flightCtx, s.flightCancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	s.waiters++
	return s.flightCtx
}

// leaveFetch unregisters a caller. When the last one leaves the fetch is
// cancelled and forgotten, so the next caller starts a new one.
func (s *Source) leaveFetch() {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	s.waiters--
	if s.waiters == 0 {
		s.flightCancel()
		s.group.Forget(bootstrapKey)
	}
}

func (s *Source) fetchWithRetry(ctx context.Context) (*vbmap.PartitionMap, error) {
	var lastErr error
	attempts := max(s.cfg.RetryCount, 1)

	for attempt := 1; attempt <= attempts; attempt++ {
		for range s.endpoints {
			ep := s.pickEndpoint()
			m, err := s.fetchOnce(ctx, ep)
			if err == nil {
				Logger.Infof("Loaded partition map rev %d of bucket %q from %s (%d nodes, %d partitions)",
					m.Revision(), m.Bucket(), ep.Host, len(m.Nodes()), m.PartitionCount())
				return m, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return nil, &common.ConfigurationError{Bucket: s.cfg.Bucket, Attempts: attempt, Err: ctx.Err()}
			}
			Logger.Debugf("Bootstrap attempt %d/%d against %s failed: %v", attempt, attempts, ep.Host, err)
		}

		if attempt < attempts {
			if err := sleep(ctx, s.backoff(attempt)); err != nil {
				return nil, &common.ConfigurationError{Bucket: s.cfg.Bucket, Attempts: attempt, Err: err}
			}
		}
	}

	Logger.Errorf("Failed to load partition map of bucket %q: %v", s.cfg.Bucket, lastErr)
	return nil, &common.ConfigurationError{Bucket: s.cfg.Bucket, Attempts: attempts, Err: lastErr}
}

// fetchOnce performs a single configuration request against ep
func (s *Source) fetchOnce(ctx context.Context, ep *url.URL) (*vbmap.PartitionMap, error) {
	resp, err := s.do(ctx, s.fetch, ep, bucketPath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration from %s: %w", ep.Host, err)
	}

	m, err := vbmap.ParseBucketConfig(body, ep.Hostname())
	if errors.Is(err, vbmap.ErrNoPartitions) {
		return nil, errWarmingUp
	}
	return m, err
}

// do sends an authenticated GET for the bucket below prefix
func (s *Source) do(ctx context.Context, client *http.Client, ep *url.URL, prefix string) (*http.Response, error) {
	target := ep.JoinPath(prefix, s.cfg.Bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/json")
	if user, pass, ok := s.credentials(); ok {
		req.SetBasicAuth(user, pass)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("authentication against %s failed: %s", ep.Host, resp.Status)
		}
		return nil, fmt.Errorf("configuration request to %s failed: %s", ep.Host, resp.Status)
	}
	return resp, nil
}

// credentials returns the explicit user, or the bucket name with the bucket
// password if only a password is configured
func (s *Source) credentials() (string, string, bool) {
	switch {
	case s.cfg.Username != "":
		return s.cfg.Username, s.cfg.Password, true
	case s.cfg.Password != "":
		return s.cfg.Bucket, s.cfg.Password, true
	default:
		return "", "", false
	}
}

// pickEndpoint rotates through the endpoints so a dead first node does not
// slow down every bootstrap
func (s *Source) pickEndpoint() *url.URL {
	i := s.next.Add(1) - 1
	return s.endpoints[int(i)%len(s.endpoints)]
}

// backoff returns the delay after the given attempt (1-based): exponential
// from BackoffMin, capped at BackoffMax, with +-10% jitter
func (s *Source) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffMin
	if d <= 0 {
		d = 50 * time.Millisecond
	}
	for i := 1; i < attempt && (s.cfg.BackoffMax <= 0 || d < s.cfg.BackoffMax); i++ {
		d *= 2
	}
	if s.cfg.BackoffMax > 0 {
		d = min(d, s.cfg.BackoffMax)
	}
	return time.Duration(float64(d) * (0.9 + 0.2*rand.Float64()))
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
