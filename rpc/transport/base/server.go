package base

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/vbKV/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var ServerLogger = logger.GetLogger("transport/server")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(endpoint string) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// ServerOptions tunes the server transport.
type ServerOptions struct {
	// BufferSize is the size of the pooled request buffers
	BufferSize int
	// MaxWorkersPerConn limits concurrent handlers per connection
	MaxWorkersPerConn int
	// Timeout bounds writes of a response, 0 disables it
	Timeout time.Duration
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector  IServerConnector
	opts       ServerOptions
	handler    transport.ServerHandleFunc
	bufferPool *sync.Pool

	mu       sync.Mutex
	listener net.Listener
	conns    *xsync.MapOf[net.Conn, struct{}]
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport with per-connection worker pool
func NewBaseServerTransport(connector IServerConnector, opts ServerOptions) transport.IRPCServerTransport {
	// minimum one worker per connection
	opts.MaxWorkersPerConn = max(opts.MaxWorkersPerConn, 1)
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 * 1024
	}

	return &serverTransport{
		connector: connector,
		opts:      opts,
		conns:     xsync.NewMapOf[net.Conn, struct{}](),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, opts.BufferSize)
			},
		},
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(endpoint string) (string, error) {
	if t.handler == nil {
		return "", errors.New("no handler registered")
	}

	listener, err := t.connector.Listen(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to create listener: %w", err)
	}

	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	ServerLogger.Infof("Starting %s server on %s with %d workers per connection",
		t.connector.GetName(), listener.Addr(), t.opts.MaxWorkersPerConn)

	t.wg.Add(1)
	go t.acceptLoop(listener)
	return listener.Addr().String(), nil
}

func (t *serverTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.mu.Unlock()

	t.conns.Range(func(conn net.Conn, _ struct{}) bool {
		_ = conn.Close()
		return true
	})
	t.wg.Wait()
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *serverTransport) acceptLoop(listener net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.closed.Load() {
				return
			}
			ServerLogger.Errorf("Accept error: %v", err)
			continue
		}

		t.conns.Store(conn, struct{}{})
		if t.closed.Load() {
			// Close raced with Accept
			_ = conn.Close()
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.conns.Delete(conn)
			t.handleConnection(conn)
		}()
	}
}

// handleConnection handles incoming requests for one connection
func (t *serverTransport) handleConnection(conn net.Conn) {
	defer conn.Close()

	// The buffered channel acts as a counting semaphore
	workerSemaphore := make(chan struct{}, t.opts.MaxWorkersPerConn)
	var wg sync.WaitGroup
	var connMutex sync.Mutex

	handleResponse := func(partition, requestID uint64, data []byte) {
		defer func() {
			<-workerSemaphore
			wg.Done()
		}()

		start := time.Now()
		resp := t.handler(partition, data)
		ServerLogger.Debugf("Processed request for partition %d with requestID %d took %s", partition, requestID, time.Since(start))
		if resp == nil {
			return
		}

		connMutex.Lock()
		defer connMutex.Unlock()

		if t.opts.Timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(t.opts.Timeout)); err != nil {
				ServerLogger.Errorf("Failed to set write deadline: %v", err)
				return
			}
		}
		if err := writeFrame(conn, partition, requestID, resp); err != nil && !errors.Is(err, net.ErrClosed) {
			ServerLogger.Errorf("Failed to write response: %v", err)
		}
	}

	for {
		buf := t.bufferPool.Get().([]byte)
		partition, requestID, data, err := readFrame(conn, buf)
		if err != nil {
			t.bufferPool.Put(buf)
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				ServerLogger.Debugf("Connection from %s closed", conn.RemoteAddr())
			default:
				ServerLogger.Errorf("Error handling request: %v", err)
			}
			break
		}

		workerSemaphore <- struct{}{}
		wg.Add(1)
		go func() {
			defer t.bufferPool.Put(buf)
			handleResponse(partition, requestID, data)
		}()
	}

	// Wait for all workers to finish before closing the connection
	wg.Wait()
}
