package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
//                              默认配置测试
// ============================================================================

func TestNewConfig_DefaultsValid(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.DHT.Alpha)
	assert.Equal(t, 20, cfg.DHT.BucketSize)
	assert.Equal(t, 4, cfg.DHT.FollowUpConcurrency)
	assert.Equal(t, 10*time.Second, cfg.DHT.RequestTimeout.Duration())
	assert.Equal(t, "info", cfg.Log.Level)
	t.Log("✅ 默认配置有效")
}

func TestDHTConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *DHTConfig)
	}{
		{"zero alpha", func(c *DHTConfig) { c.Alpha = 0 }},
		{"zero bucket", func(c *DHTConfig) { c.BucketSize = 0 }},
		{"zero follow-up", func(c *DHTConfig) { c.FollowUpConcurrency = 0 }},
		{"zero timeout", func(c *DHTConfig) { c.RequestTimeout = 0 }},
		{"bad bootstrap", func(c *DHTConfig) { c.BootstrapPeers = []string{"not-an-addr"} }},
		{"bootstrap without p2p", func(c *DHTConfig) { c.BootstrapPeers = []string{"/ip4/1.2.3.4/udp/4001/quic-v1"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultDHTConfig()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestDHTConfig_DNSAddrBootstrap(t *testing.T) {
	c := DefaultDHTConfig()
	c.BootstrapPeers = []string{"/dnsaddr/bootstrap.example.com"}
	assert.NoError(t, c.Validate(), "/dnsaddr 地址不需要 /p2p/ 组件")
}

func TestDNSConfig_Validate(t *testing.T) {
	c := DefaultDNSConfig()
	require.NoError(t, c.Validate())

	c.Server = "127.0.0.1"
	assert.Error(t, c.Validate(), "缺少端口")

	c = DefaultDNSConfig()
	c.Server = "127.0.0.1:5353"
	assert.NoError(t, c.Validate())

	c.Timeout = 0
	assert.Error(t, c.Validate())

	c = DefaultDNSConfig()
	c.MaxDepth = -1
	assert.Error(t, c.Validate())
}

func TestTransportConfig_Validate(t *testing.T) {
	c := DefaultTransportConfig()
	require.NoError(t, c.Validate())

	c.ListenAddrs = []string{"/ip4/0.0.0.0/udp/x"}
	assert.Error(t, c.Validate())

	c = DefaultTransportConfig()
	c.KeepAlivePeriod = c.MaxIdleTimeout
	assert.Error(t, c.Validate())
}

func TestLogConfig_Validate(t *testing.T) {
	for _, lvl := range []string{"debug", "INFO", "warn", "error"} {
		assert.NoError(t, LogConfig{Level: lvl}.Validate(), lvl)
	}
	assert.Error(t, LogConfig{Level: "verbose"}.Validate())
}

// ============================================================================
//                              加载测试
// ============================================================================

func TestLoad_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kad.json")
	data := `{
		"dht": {"alpha": 5, "request_timeout": "2s"},
		"storage": {"in_memory": true, "data_dir": ""}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.DHT.Alpha)
	assert.Equal(t, 2*time.Second, cfg.DHT.RequestTimeout.Duration())
	assert.Equal(t, 20, cfg.DHT.BucketSize, "未出现的字段保持默认值")
	assert.True(t, cfg.Storage.InMemory)
	t.Log("✅ 部分覆盖加载")
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = FromJSON([]byte(`{"dht": {"alpha": -1}}`))
	assert.Error(t, err)

	_, err = FromJSON([]byte(`{"dht": {"request_timeout": "soon"}}`))
	assert.Error(t, err)
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, json.Unmarshal([]byte(`1000`), &d))
	assert.Equal(t, time.Microsecond, d.Duration())

	out, err := json.Marshal(Duration(time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1s"`, string(out))
}

func TestConfig_ToJSONRoundTrip(t *testing.T) {
	cfg := NewConfig()
	cfg.DHT.BootstrapPeers = []string{"/ip4/1.2.3.4/udp/4001/quic-v1/p2p/QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N"}
	data, err := cfg.ToJSON()
	require.NoError(t, err)

	back, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
