package tsingest

import "sync/atomic"

// Node is one post-reassembly unit: a contiguous byte run that is a
// positive integer multiple of 188 bytes, with a monotonically
// increasing sequence number and a read cursor (spec.md §3).
type Node struct {
	Seq         uint64
	Data        []byte
	readOff     int
	patReplaced bool
}

var nodeSeq uint64

func newNode(data []byte) *Node {
	return &Node{
		Seq:  atomic.AddUint64(&nodeSeq, 1),
		Data: data,
	}
}

// remaining returns the unread byte count.
func (n *Node) remaining() int {
	return len(n.Data) - n.readOff
}

// exhausted reports whether the tail reader has consumed the whole node.
func (n *Node) exhausted() bool {
	return n.readOff >= len(n.Data)
}
