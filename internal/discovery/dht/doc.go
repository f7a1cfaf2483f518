// Package dht 实现 Kademlia DHT 的查找子系统
//
// # 组成
//
//   - kbucket: XOR 距离、K 桶与路由表
//   - qpeerset: 单次查询中的节点状态机（Heard → Waiting → Queried | Unreachable）
//   - record: 记录验证与比较（Validator）
//   - message: 请求/响应消息与编解码
//
// # 查询模型
//
// 每次查找由一个 query 驱动：只有 run 所在的 goroutine 修改 qpeerset，
// 并发的单节点请求通过容量为 Alpha 的 channel 回报 queryUpdate。
// 查找只在 stopFn 触发、饥饿（没有 Heard 也没有 Waiting）或 ctx 取消时结束。
// runLookupWithFollowup 随后以固定大小的工作池
// 对结果集中尚未查询完成的节点再执行一次查询函数。
//
// # 对外操作
//
//	FindPeer / FindProviders / SearchValue  增量交付结果
//	Provide / PutValue                      查找后向最近节点扇出写入
//	GetClosestPeers / GetValue / Bootstrap
//
// 传输层通过 Transport 接口注入，服务端请求由 HandleRequest 处理。
package dht
