package custody

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// operationLeaf builds the canonical leaf hash for one mutating
// operation. The leaf commits to everything that shapes the dispatch:
// target, selector, whether native value rides along, the hook
// descriptor, the packed configurable offsets, the packed callback
// descriptor, and every calldata fragment extracted through the
// configurable offsets. Two operations differing in any of these hash
// to different leaves.
func operationLeaf(
	target common.Address,
	selector [4]byte,
	hasValue bool,
	hook HookDescriptor,
	packedOffsets [32]byte,
	packedCallback []byte,
	extracted [][]byte,
) common.Hash {
	var buf bytes.Buffer
	buf.Write(target.Bytes())
	buf.Write(selector[:])
	buf.WriteByte(boolByte(hasValue))
	buf.Write(hook.Address.Bytes())
	buf.WriteByte(boolByte(hook.HasBefore))
	buf.WriteByte(boolByte(hook.HasAfter))
	buf.Write(packedOffsets[:])
	buf.Write(packedCallback)
	for _, fragment := range extracted {
		buf.Write(fragment)
	}
	return crypto.Keccak256Hash(buf.Bytes())
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// verifyProof checks standard Merkle inclusion of leaf under root.
// Siblings combine in sorted order, so the proof does not need
// direction bits.
func verifyProof(root, leaf common.Hash, proof []common.Hash) bool {
	node := leaf
	for _, sibling := range proof {
		node = hashPair(node, sibling)
	}
	return node == root
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a.Bytes(), b.Bytes())
}

// merkleRoot computes the root of leaves for test fixtures and
// off-chain guardian tooling. Odd nodes promote to the next level
// unhashed. A single leaf is its own root.
func merkleRoot(leaves []common.Hash) common.Hash {
	if len(leaves) == 0 {
		return common.Hash{}
	}
	level := append([]common.Hash(nil), leaves...)
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}

// merkleProof returns the sibling path for leaves[index], matching
// merkleRoot's construction.
func merkleProof(leaves []common.Hash, index int) []common.Hash {
	var proof []common.Hash
	level := append([]common.Hash(nil), leaves...)
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
		index /= 2
	}
	return proof
}
