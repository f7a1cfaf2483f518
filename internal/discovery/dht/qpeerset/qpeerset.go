// Package qpeerset 维护单次迭代查询中每个节点的状态
//
// 状态只能单向推进：
//
//	Heard → Waiting → Queried
//	                ↘ Unreachable
//
// Queried 与 Unreachable 在一次查询内是终态。
package qpeerset

import (
	"errors"
	"fmt"
	"sort"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/kbucket"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// PeerState 节点在一次查询中的状态
type PeerState int

const (
	// PeerHeard 已知但尚未派发查询
	PeerHeard PeerState = iota
	// PeerWaiting 查询进行中
	PeerWaiting
	// PeerQueried 查询成功
	PeerQueried
	// PeerUnreachable 查询失败
	PeerUnreachable
)

// String 返回状态名
func (s PeerState) String() string {
	switch s {
	case PeerHeard:
		return "heard"
	case PeerWaiting:
		return "waiting"
	case PeerQueried:
		return "queried"
	case PeerUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("PeerState(%d)", int(s))
	}
}

var (
	// ErrIllegalTransition 非法状态转换
	ErrIllegalTransition = errors.New("qpeerset: illegal peer state transition")

	// ErrUnknownPeer 节点不在集合中
	ErrUnknownPeer = errors.New("qpeerset: unknown peer")
)

// legal 合法的状态转换
func legal(from, to PeerState) bool {
	switch to {
	case PeerWaiting:
		return from == PeerHeard
	case PeerQueried, PeerUnreachable:
		return from == PeerWaiting
	default:
		return false
	}
}

type queryPeerState struct {
	info       types.PeerInfo
	distance   kbucket.ID
	state      PeerState
	referredBy types.PeerID
}

// QueryPeerset 单次查询的节点集合
//
// 不是并发安全的，只能由查询主循环访问。
type QueryPeerset struct {
	key    kbucket.ID
	all    []*queryPeerState
	index  map[types.PeerID]int
	sorted bool
}

// New 创建以 key 为目标的节点集合
func New(key kbucket.ID) *QueryPeerset {
	return &QueryPeerset{
		key:    key,
		index:  make(map[types.PeerID]int),
		sorted: true,
	}
}

// TryAdd 以 Heard 状态加入节点
//
// 节点已存在时只合并地址并返回 false。
func (qp *QueryPeerset) TryAdd(p types.PeerInfo, referredBy types.PeerID) bool {
	if i, ok := qp.index[p.ID]; ok {
		qp.all[i].info.Addrs = mergeAddrs(qp.all[i].info.Addrs, p.Addrs)
		return false
	}
	qp.index[p.ID] = len(qp.all)
	qp.all = append(qp.all, &queryPeerState{
		info:       types.PeerInfo{ID: p.ID, Addrs: append([]ma.Multiaddr(nil), p.Addrs...)},
		distance:   kbucket.Xor(qp.key, kbucket.ConvertPeerID(p.ID)),
		state:      PeerHeard,
		referredBy: referredBy,
	})
	qp.sorted = false
	return true
}

// Transition 推进节点状态，非法转换返回 ErrIllegalTransition
func (qp *QueryPeerset) Transition(id types.PeerID, to PeerState) error {
	i, ok := qp.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id.ShortString())
	}
	from := qp.all[i].state
	if !legal(from, to) {
		return fmt.Errorf("%w: %s -> %s for peer %s", ErrIllegalTransition, from, to, id.ShortString())
	}
	qp.all[i].state = to
	return nil
}

// GetState 返回节点状态
func (qp *QueryPeerset) GetState(id types.PeerID) (PeerState, bool) {
	i, ok := qp.index[id]
	if !ok {
		return 0, false
	}
	return qp.all[i].state, true
}

// GetPeer 返回节点信息
func (qp *QueryPeerset) GetPeer(id types.PeerID) (types.PeerInfo, bool) {
	i, ok := qp.index[id]
	if !ok {
		return types.PeerInfo{}, false
	}
	return qp.all[i].info, true
}

// GetReferrer 返回告知该节点的节点
func (qp *QueryPeerset) GetReferrer(id types.PeerID) types.PeerID {
	if i, ok := qp.index[id]; ok {
		return qp.all[i].referredBy
	}
	return ""
}

// Size 返回节点总数
func (qp *QueryPeerset) Size() int {
	return len(qp.all)
}

// NumHeard 返回 Heard 状态节点数
func (qp *QueryPeerset) NumHeard() int {
	return qp.numInState(PeerHeard)
}

// NumWaiting 返回 Waiting 状态节点数
func (qp *QueryPeerset) NumWaiting() int {
	return qp.numInState(PeerWaiting)
}

func (qp *QueryPeerset) numInState(s PeerState) int {
	n := 0
	for _, p := range qp.all {
		if p.state == s {
			n++
		}
	}
	return n
}

func (qp *QueryPeerset) sort() {
	if qp.sorted {
		return
	}
	sort.SliceStable(qp.all, func(i, j int) bool {
		return qp.all[i].distance.Less(qp.all[j].distance)
	})
	for i, p := range qp.all {
		qp.index[p.info.ID] = i
	}
	qp.sorted = true
}

// GetClosestNInStates 返回处于给定状态、距离最近的至多 n 个节点
func (qp *QueryPeerset) GetClosestNInStates(n int, states ...PeerState) []types.PeerInfo {
	qp.sort()

	var out []types.PeerInfo
	for _, p := range qp.all {
		if len(out) >= n {
			break
		}
		for _, s := range states {
			if p.state == s {
				out = append(out, p.info)
				break
			}
		}
	}
	return out
}

// GetClosestInStates 返回处于给定状态的全部节点（按距离升序）
func (qp *QueryPeerset) GetClosestInStates(states ...PeerState) []types.PeerInfo {
	return qp.GetClosestNInStates(len(qp.all), states...)
}

func mergeAddrs(have, more []ma.Multiaddr) []ma.Multiaddr {
next:
	for _, a := range more {
		for _, h := range have {
			if h.Equal(a) {
				continue next
			}
		}
		have = append(have, a)
	}
	return have
}
