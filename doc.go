// Package kad 提供基于 QUIC 的 Kademlia DHT 节点
//
// Node 把身份、存储、QUIC 传输与 DHT 组装为一个 fx 应用，对外提供
// 节点查找、内容路由与值记录三类操作：
//
//	node, err := kad.Start(ctx,
//	    kad.WithListenAddrs("/ip4/0.0.0.0/udp/4001/quic-v1"),
//	    kad.WithBootstrapPeers("/ip4/1.2.3.4/udp/4001/quic-v1/p2p/Qm..."),
//	)
//	if err != nil {
//	    return err
//	}
//	defer node.Close()
//
//	info, err := node.FindPeer(ctx, target)
//	err = node.Provide(ctx, c)
//	err = node.Publish(ctx, []byte("hello"))
//
// # 组件
//
//	┌──────────────────────────────────────────┐
//	│  Node (kad)                              │
//	├──────────────────────────────────────────┤
//	│  discovery/dht   KadDHT + Handler        │
//	├──────────────────────────────────────────┤
//	│  core/transport/quic   请求/响应传输      │
//	│  core/storage          badger KV 存储    │
//	│  core/identity         Ed25519 身份      │
//	└──────────────────────────────────────────┘
package kad
