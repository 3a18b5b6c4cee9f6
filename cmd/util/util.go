package util

import (
	"strings"

	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupClientFlags adds the flags every command talking to a cluster needs
func SetupClientFlags(cmd *cobra.Command) {
	def := common.DefaultClientConfig()
	f := cmd.PersistentFlags()

	// bootstrap
	f.String("endpoints", "http://localhost:8091", WrapString("Configuration service base URLs, comma separated. They are tried in random order"))
	f.String("bucket", def.Bootstrap.Bucket, WrapString("Name of the bucket"))
	f.String("username", "", WrapString("User for the configuration service (defaults to the bucket name when a password is set)"))
	f.String("password", "", WrapString("Password for the configuration service"))
	f.Int("bootstrap-retries", def.Bootstrap.RetryCount, WrapString("How many times to try fetching the initial partition map"))

	// transport
	f.String("transport", def.Transport.Type, WrapString("Node transport to use (tcp, unix)"))
	f.String("socket-dir", def.Transport.SocketDir, WrapString("Directory of the node sockets (only for unix)"))
	f.String("serializer", def.Transport.Serializer, WrapString("Serializer to use (binary, json, gob)"))
	f.Duration("connect-timeout", def.Transport.ConnectTimeout, WrapString("Timeout for dialing a node"))
	f.Duration("timeout", def.Transport.OpTimeout, WrapString("Deadline of a single operation"))
	f.Int("queue-size", def.Transport.QueueSize, WrapString("Outbound queue capacity per node connection"))

	// routing
	f.String("failure-mode", def.Routing.FailureMode.String(), WrapString("What to do with operations for an unreachable node (redistribute, retry, cancel)"))
	f.Duration("shutdown-grace", def.Routing.ShutdownGrace, WrapString("How long a removed node may drain its queue before it is closed"))
	f.Int("max-redirects", def.Routing.MaxRedirects, WrapString("How often an operation is re-routed after a wrong owner response"))
	f.Duration("retry-delay", def.Routing.RetryDelay, WrapString("Pause before a temporary failure is retried"))

	// durability
	f.Duration("poll-interval", def.Durability.PollInterval, WrapString("Pause between two durability polls"))
	f.Int("max-polls", def.Durability.MaxPolls, WrapString("Polls before a durability requirement times out"))
	f.Duration("observe-window", def.Durability.ObserveWindow, WrapString("How long one durability poll waits for node answers"))
}

// InitClientConfig initializes configuration from environment variables
func InitClientConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("vbkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetClientConfig reads the client configuration from viper and validates it
func GetClientConfig() (common.ClientConfig, error) {
	conf := common.ClientConfig{
		Bootstrap: common.BootstrapConfig{
			Endpoints:  splitList(viper.GetString("endpoints")),
			Bucket:     viper.GetString("bucket"),
			Username:   viper.GetString("username"),
			Password:   viper.GetString("password"),
			RetryCount: viper.GetInt("bootstrap-retries"),
		},
		Transport: common.TransportConfig{
			Type:           viper.GetString("transport"),
			SocketDir:      viper.GetString("socket-dir"),
			Serializer:     viper.GetString("serializer"),
			ConnectTimeout: viper.GetDuration("connect-timeout"),
			OpTimeout:      viper.GetDuration("timeout"),
			QueueSize:      viper.GetInt("queue-size"),
		},
		Routing: common.RoutingConfig{
			ShutdownGrace: viper.GetDuration("shutdown-grace"),
			MaxRedirects:  viper.GetInt("max-redirects"),
			RetryDelay:    viper.GetDuration("retry-delay"),
		},
		Durability: common.DurabilityConfig{
			PollInterval:  viper.GetDuration("poll-interval"),
			MaxPolls:      viper.GetInt("max-polls"),
			ObserveWindow: viper.GetDuration("observe-window"),
		},
		LogLevel: viper.GetString("log-level"),
	}

	if s := viper.GetString("failure-mode"); s != "" {
		mode, err := common.ParseFailureMode(s)
		if err != nil {
			return conf, err
		}
		conf.Routing.FailureMode = mode
	}

	// Validate fills every value left at zero with its default
	return conf, conf.Validate()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.InheritedFlags())
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
