// Package kbucket 实现 Kademlia 的 XOR 标识空间与 K-桶路由表
//
// # 标识空间
//
// 节点 ID 与任意键都经过 SHA-256 映射到 256 位标识空间，
// 两个标识之间的距离定义为按位异或结果的无符号大端数值。
//
// # 路由表
//
// 路由表按与本地标识的公共前缀长度（CPL）分桶，每个桶容量固定为 k。
// 桶满时只能淘汰标记为可替换（replaceable）的节点。
package kbucket

import (
	"bytes"
	"math/bits"

	"github.com/minio/sha256-simd"

	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// KeySize 标识长度（字节）
const KeySize = sha256.Size

// ID Kademlia 标识空间中的一个点
type ID []byte

// ConvertPeerID 将节点 ID 映射到标识空间
func ConvertPeerID(id types.PeerID) ID {
	hash := sha256.Sum256([]byte(id))
	return hash[:]
}

// ConvertKey 将任意键映射到标识空间
func ConvertKey(key []byte) ID {
	hash := sha256.Sum256(key)
	return hash[:]
}

// Xor 计算两个标识的异或距离
func Xor(a, b ID) ID {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make(ID, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// CommonPrefixLen 计算公共前缀位数
func CommonPrefixLen(a, b ID) int {
	d := Xor(a, b)
	for i, v := range d {
		if v != 0 {
			return i*8 + bits.LeadingZeros8(v)
		}
	}
	return len(d) * 8
}

// Equal 判断标识是否相等
func (id ID) Equal(other ID) bool {
	return bytes.Equal(id, other)
}

// Less 按无符号大端数值比较
func (id ID) Less(other ID) bool {
	return bytes.Compare(id, other) < 0
}

// DistanceTo 返回到 other 的距离
func (id ID) DistanceTo(other ID) ID {
	return Xor(id, other)
}

// CompareDistance 比较 a、b 到 target 的距离
//
// 返回 -1 表示 a 更近，1 表示 b 更近，0 表示距离相同。
func CompareDistance(a, b, target ID) int {
	return bytes.Compare(Xor(a, target), Xor(b, target))
}

// Closer 报告 a 是否比 b 更接近 target
func Closer(a, b, target ID) bool {
	return CompareDistance(a, b, target) < 0
}
