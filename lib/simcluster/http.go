package simcluster

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/go-chi/chi/v5"
)

// streamDelimiter terminates every document of the streaming endpoint
const streamDelimiter = "\n\n\n\n"

// streamBuffer is how many maps a slow stream subscriber may lag behind
const streamBuffer = 16

// serveHTTP starts the configuration service
func (c *Cluster) serveHTTP() error {
	r := chi.NewRouter()
	r.Use(loggerMiddleware)
	if c.opts.Username != "" || c.opts.Password != "" {
		r.Use(c.basicAuth)
	}
	r.Get("/pools/default/buckets/{bucket}", c.handleBucket)
	r.Get("/pools/default/bucketsStreaming/{bucket}", c.handleStream)

	l, err := listen(c.opts.HTTPAddr)
	if err != nil {
		return err
	}
	c.httpAddr = l.Addr().String()
	c.httpSrv = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := c.httpSrv.Serve(l); err != nil && err != http.ErrServerClosed {
			Logger.Errorf("Configuration service failed: %v", err)
		}
	}()
	return nil
}

// bucketMap returns the map of the requested bucket, writing a 404 if the
// cluster does not serve it
func (c *Cluster) bucketMap(w http.ResponseWriter, r *http.Request) *vbmap.PartitionMap {
	if chi.URLParam(r, "bucket") != c.opts.Bucket {
		http.Error(w, "Requested resource not found.", http.StatusNotFound)
		return nil
	}
	return c.Map()
}

func (c *Cluster) handleBucket(w http.ResponseWriter, r *http.Request) {
	m := c.bucketMap(w, r)
	if m == nil {
		return
	}
	body, err := json.Marshal(m)
	if err != nil {
		http.Error(w, "Failed to encode map", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// handleStream writes the current map and then every newly published one
// until the client goes away or the stream is dropped
func (c *Cluster) handleStream(w http.ResponseWriter, r *http.Request) {
	m := c.bucketMap(w, r)
	if m == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := c.nextStreamID.Add(1)
	updates := make(chan *vbmap.PartitionMap, streamBuffer)
	c.streams.Store(id, updates)
	defer c.streams.Delete(id)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	write := func(m *vbmap.PartitionMap) bool {
		body, err := json.Marshal(m)
		if err != nil {
			Logger.Errorf("Encoding map revision %d: %v", m.Revision(), err)
			return false
		}
		if _, err := w.Write(append(body, streamDelimiter...)); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !write(m) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case next, ok := <-updates:
			if !ok || !write(next) {
				return
			}
		}
	}
}

// basicAuth rejects requests without the cluster's credentials. Without a
// configured user the bucket name is the user.
func (c *Cluster) basicAuth(next http.Handler) http.Handler {
	wantUser := c.opts.Username
	if wantUser == "" {
		wantUser = c.opts.Bucket
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != wantUser || pass != c.opts.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="vbkv"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working behind the middleware
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create custom response writer to capture status code
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Process request
		next.ServeHTTP(rw, r)

		// Log the request
		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
