package kad

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-dep2p-kad/config"
)

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Transport.ListenAddrs = []string{"/ip4/127.0.0.1/udp/0/quic-v1"}
	cfg.Storage.InMemory = true
	cfg.DHT.RefreshInterval = 0
	cfg.DHT.RequestTimeout = config.Duration(3 * time.Second)
	return cfg
}

func startTestNode(t *testing.T, bootstrap ...*Node) *Node {
	t.Helper()
	ctx := context.Background()

	opts := []Option{WithConfig(testConfig())}
	var peers []string
	for _, b := range bootstrap {
		addrs, err := b.P2PAddrs()
		require.NoError(t, err)
		for _, a := range addrs {
			peers = append(peers, a.String())
		}
	}
	if len(peers) > 0 {
		opts = append(opts, WithBootstrapPeers(peers...))
	}

	n, err := Start(ctx, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	if len(bootstrap) > 0 {
		bctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		require.NoError(t, n.Bootstrap(bctx))
	}
	return n
}

func testCid(t *testing.T, data string) cid.Cid {
	t.Helper()
	h, err := mh.Sum([]byte(data), mh.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, h)
}

// ============================================================================
//                              生命周期
// ============================================================================

func TestNode_Lifecycle(t *testing.T) {
	n, err := New(context.Background(), WithConfig(testConfig()))
	require.NoError(t, err)

	_, err = n.FindPeer(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, n.Start(context.Background()))
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)
	assert.NotEmpty(t, n.ID())
	require.Len(t, n.Addrs(), 1)
	require.NotNil(t, n.Gatherer())

	mfs, err := n.Gatherer().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["kad_dht_routing_table_size"], "DHT 指标已注册")
	assert.True(t, names["kad_transport_connections"], "传输指标已注册")
	assert.Empty(t, n.IntrospectAddr(), "默认不启用自省服务")

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Start(context.Background()), ErrNodeClosed)
	t.Log("✅ 节点启动与关闭")
}

func TestNode_Introspect(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.ListenAddr = "127.0.0.1:0"

	n, err := Start(context.Background(), WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	require.NotEmpty(t, n.IntrospectAddr())

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + n.IntrospectAddr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "kad_dht_routing_table_size")

	resp, err = client.Get("http://" + n.IntrospectAddr() + "/debug/introspect/node")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), n.ID().String())
	t.Log("✅ 自省服务")
}

func TestNode_InvalidOptions(t *testing.T) {
	_, err := New(context.Background(), WithListenPort(70000))
	assert.Error(t, err)

	_, err = New(context.Background(), WithConfig(nil))
	assert.Error(t, err)

	cfg := testConfig()
	cfg.DHT.Alpha = 0
	_, err = New(context.Background(), WithConfig(cfg))
	assert.Error(t, err)
}

// ============================================================================
//                              多节点
// ============================================================================

func TestNode_ThreeNodeNetwork(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t, a)
	c := startTestNode(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// b 经由 a 找到 c
	info, err := b.FindPeer(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, c.ID(), info.ID)
	assert.NotEmpty(t, info.Addrs)

	// 值记录
	require.NoError(t, b.Publish(ctx, []byte("hello")))
	require.NoError(t, b.Publish(ctx, []byte("hello again")))
	v, err := c.Resolve(ctx, b.ID())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello again"), v)

	_, err = c.Resolve(ctx, a.ID())
	assert.True(t, IsNotFound(err))

	// 内容路由
	content := testCid(t, "some content")
	require.NoError(t, a.Provide(ctx, content))
	provs, err := c.FindProviders(ctx, content, 1, true)
	require.NoError(t, err)
	require.Len(t, provs, 1)
	assert.Equal(t, a.ID(), provs[0].ID)
	t.Log("✅ 三节点网络：查找节点、值记录、内容路由")
}
