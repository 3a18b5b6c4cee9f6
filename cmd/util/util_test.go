package util

import (
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(text), "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
}

func TestGetClientConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("endpoints", "http://a:8091, b:8091,")
	viper.Set("bucket", "travel")
	viper.Set("failure-mode", "cancel")
	viper.Set("timeout", 3*time.Second)
	viper.Set("max-polls", 7)

	cfg, err := GetClientConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a:8091", "b:8091"}, cfg.Bootstrap.Endpoints)
	assert.Equal(t, "travel", cfg.Bootstrap.Bucket)
	assert.Equal(t, common.FailureModeCancel, cfg.Routing.FailureMode)
	assert.Equal(t, 3*time.Second, cfg.Transport.OpTimeout)
	assert.Equal(t, 7, cfg.Durability.MaxPolls)

	// unset values fall back to the defaults
	def := common.DefaultClientConfig()
	assert.Equal(t, def.Transport.Type, cfg.Transport.Type)
	assert.Equal(t, def.Durability.PollInterval, cfg.Durability.PollInterval)
}

func TestGetClientConfig_Invalid(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("endpoints", "http://a:8091")
	viper.Set("bucket", "travel")
	viper.Set("failure-mode", "pray")

	_, err := GetClientConfig()
	assert.Error(t, err)

	viper.Set("failure-mode", "retry")
	viper.Set("transport", "smoke-signals")
	_, err = GetClientConfig()
	assert.ErrorContains(t, err, "smoke-signals")
}
