package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// BootstrapConfig controls how the partition map is fetched and streamed.
type BootstrapConfig struct {
	// Endpoints are the HTTP base URLs of the configuration service, e.g.
	// http://10.0.0.1:8091. A bare host:port is treated as http.
	Endpoints []string
	Bucket    string
	Username  string
	Password  string
	// RetryCount caps the attempts of one bootstrap (each endpoint once per attempt)
	RetryCount int
	BackoffMin time.Duration
	BackoffMax time.Duration
	// HTTPTimeout bounds a single configuration fetch, not the stream
	HTTPTimeout time.Duration
}

// TransportConfig controls the node connections.
type TransportConfig struct {
	// Type is "tcp" or "unix"
	Type string
	// SocketDir holds the node sockets for the unix transport
	SocketDir string
	// Serializer is "binary", "json" or "gob"
	Serializer     string
	ConnectTimeout time.Duration
	// OpTimeout is the per-operation transport deadline
	OpTimeout time.Duration
	// QueueSize is the outbound queue capacity of one node connection
	QueueSize int
	// ReconnectBackoff is the pause after a failed dial before the next one
	ReconnectBackoff time.Duration
}

// RoutingConfig controls the operation router.
type RoutingConfig struct {
	FailureMode FailureMode
	// ShutdownGrace is how long a removed node may drain before its queued
	// operations are re-routed and its socket is closed
	ShutdownGrace time.Duration
	// MaxRedirects caps re-routing after wrong owner responses
	MaxRedirects int
	// RetryDelay is the pause before a temporary failure is dispatched again
	RetryDelay time.Duration
}

// DurabilityConfig controls the observe loop.
type DurabilityConfig struct {
	PollInterval time.Duration
	MaxPolls     int
	// ObserveWindow bounds how long one poll waits for node answers
	ObserveWindow time.Duration
}

// ClientConfig holds all configuration parameters of a client. Every client
// gets its own copy; nothing is process global.
type ClientConfig struct {
	Bootstrap  BootstrapConfig
	Transport  TransportConfig
	Routing    RoutingConfig
	Durability DurabilityConfig

	// Logging configuration
	LogLevel string
}

// DefaultClientConfig returns a configuration with the default values set.
// Endpoints and Bucket still have to be filled in.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Bootstrap: BootstrapConfig{
			Bucket:      "default",
			RetryCount:  5,
			BackoffMin:  50 * time.Millisecond,
			BackoffMax:  5 * time.Second,
			HTTPTimeout: 5 * time.Second,
		},
		Transport: TransportConfig{
			Type:             "tcp",
			SocketDir:        "/tmp",
			Serializer:       "binary",
			ConnectTimeout:   2 * time.Second,
			OpTimeout:        2500 * time.Millisecond,
			QueueSize:        1024,
			ReconnectBackoff: 100 * time.Millisecond,
		},
		Routing: RoutingConfig{
			FailureMode:   FailureModeRedistribute,
			ShutdownGrace: 2 * time.Second,
			MaxRedirects:  3,
			RetryDelay:    50 * time.Millisecond,
		},
		Durability: DurabilityConfig{
			PollInterval:  100 * time.Millisecond,
			MaxPolls:      400,
			ObserveWindow: 500 * time.Millisecond,
		},
		LogLevel: "info",
	}
}

// Validate rejects configurations the client cannot work with and fills
// zero values with defaults.
func (c *ClientConfig) Validate() error {
	def := DefaultClientConfig()
	var errs []error

	if len(c.Bootstrap.Endpoints) == 0 {
		errs = append(errs, errors.New("no bootstrap endpoints provided"))
	}
	if c.Bootstrap.Bucket == "" {
		errs = append(errs, errors.New("no bucket provided"))
	}
	if c.Bootstrap.RetryCount <= 0 {
		c.Bootstrap.RetryCount = def.Bootstrap.RetryCount
	}
	orDefault(&c.Bootstrap.BackoffMin, def.Bootstrap.BackoffMin)
	orDefault(&c.Bootstrap.BackoffMax, def.Bootstrap.BackoffMax)
	orDefault(&c.Bootstrap.HTTPTimeout, def.Bootstrap.HTTPTimeout)
	if c.Bootstrap.BackoffMax < c.Bootstrap.BackoffMin {
		errs = append(errs, fmt.Errorf("backoff max %s is below backoff min %s", c.Bootstrap.BackoffMax, c.Bootstrap.BackoffMin))
	}

	switch c.Transport.Type {
	case "":
		c.Transport.Type = def.Transport.Type
	case "tcp", "unix":
	default:
		errs = append(errs, fmt.Errorf("invalid transport %q, must be tcp or unix", c.Transport.Type))
	}
	switch c.Transport.Serializer {
	case "":
		c.Transport.Serializer = def.Transport.Serializer
	case "binary", "json", "gob":
	default:
		errs = append(errs, fmt.Errorf("invalid serializer %q, must be binary, json or gob", c.Transport.Serializer))
	}
	if c.Transport.SocketDir == "" {
		c.Transport.SocketDir = def.Transport.SocketDir
	}
	orDefault(&c.Transport.ConnectTimeout, def.Transport.ConnectTimeout)
	orDefault(&c.Transport.OpTimeout, def.Transport.OpTimeout)
	orDefault(&c.Transport.ReconnectBackoff, def.Transport.ReconnectBackoff)
	if c.Transport.QueueSize <= 0 {
		c.Transport.QueueSize = def.Transport.QueueSize
	}

	if _, err := ParseFailureMode(c.Routing.FailureMode.String()); err != nil {
		errs = append(errs, err)
	}
	orDefault(&c.Routing.ShutdownGrace, def.Routing.ShutdownGrace)
	orDefault(&c.Routing.RetryDelay, def.Routing.RetryDelay)
	if c.Routing.MaxRedirects < 0 {
		c.Routing.MaxRedirects = 0
	}

	orDefault(&c.Durability.PollInterval, def.Durability.PollInterval)
	orDefault(&c.Durability.ObserveWindow, def.Durability.ObserveWindow)
	if c.Durability.MaxPolls <= 0 {
		c.Durability.MaxPolls = def.Durability.MaxPolls
	}

	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func orDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Bootstrap")
	addField("Bucket", c.Bootstrap.Bucket)
	if c.Bootstrap.Username != "" {
		addField("Username", c.Bootstrap.Username)
		addField("Password", strings.Repeat("*", len(c.Bootstrap.Password)))
	}
	addField("Retry Count", strconv.Itoa(c.Bootstrap.RetryCount))
	addField("Backoff", fmt.Sprintf("%s - %s", c.Bootstrap.BackoffMin, c.Bootstrap.BackoffMax))
	addField("HTTP Timeout", c.Bootstrap.HTTPTimeout.String())

	addSection("Endpoints")
	for i, endpoint := range c.Bootstrap.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	addSection("Transport")
	addField("Type", c.Transport.Type)
	if c.Transport.Type == "unix" {
		addField("Socket Directory", c.Transport.SocketDir)
	}
	addField("Serializer", c.Transport.Serializer)
	addField("Connect Timeout", c.Transport.ConnectTimeout.String())
	addField("Operation Timeout", c.Transport.OpTimeout.String())
	addField("Queue Size", strconv.Itoa(c.Transport.QueueSize))

	addSection("Routing")
	addField("Failure Mode", c.Routing.FailureMode.String())
	addField("Shutdown Grace", c.Routing.ShutdownGrace.String())
	addField("Max Redirects", strconv.Itoa(c.Routing.MaxRedirects))
	addField("Retry Delay", c.Routing.RetryDelay.String())

	addSection("Durability")
	addField("Poll Interval", c.Durability.PollInterval.String())
	addField("Max Polls", strconv.Itoa(c.Durability.MaxPolls))
	addField("Observe Window", c.Durability.ObserveWindow.String())

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
