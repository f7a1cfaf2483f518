package kbucket

import (
	"sort"

	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

type peerDistance struct {
	info     types.PeerInfo
	distance ID
}

// peerDistanceSorter 按到目标的 XOR 距离排序节点
type peerDistanceSorter struct {
	peers  []peerDistance
	target ID
}

func (pds *peerDistanceSorter) appendPeer(info types.PeerInfo, id ID) {
	pds.peers = append(pds.peers, peerDistance{
		info:     info,
		distance: Xor(pds.target, id),
	})
}

func (pds *peerDistanceSorter) appendPeersFromBucket(b *Bucket) {
	for _, e := range b.entries {
		pds.appendPeer(e.Info, e.KadID)
	}
}

// sortedList 返回按距离升序排列的节点，距离相同的节点之间无定义顺序
func (pds *peerDistanceSorter) sortedList() []types.PeerInfo {
	sort.SliceStable(pds.peers, func(i, j int) bool {
		return pds.peers[i].distance.Less(pds.peers[j].distance)
	})
	out := make([]types.PeerInfo, 0, len(pds.peers))
	for _, p := range pds.peers {
		out = append(out, p.info)
	}
	return out
}

// SortClosestPeers 按到 target 的距离升序排列节点
func SortClosestPeers(peers []types.PeerInfo, target ID) []types.PeerInfo {
	sorter := peerDistanceSorter{
		peers:  make([]peerDistance, 0, len(peers)),
		target: target,
	}
	for _, p := range peers {
		sorter.appendPeer(p, ConvertPeerID(p.ID))
	}
	return sorter.sortedList()
}
