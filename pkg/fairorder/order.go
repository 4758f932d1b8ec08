package fairorder

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/fairbatch/settler/pkg/intent"
)

// SortKey is keccak256(seed ‖ leftpad32(requestId) ‖ leftpad32(user)).
func SortKey(seed [32]byte, in *intent.Intent) [32]byte {
	id := in.RequestID.Bytes32()
	h := sha3.NewLegacyKeccak256()
	h.Write(seed[:])
	h.Write(id[:])
	h.Write(common.LeftPadBytes(in.User.Bytes(), 32))
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// Order returns intents sorted ascending by SortKey, ties broken by ascending
// request id. The input slice is not modified.
func Order(seed [32]byte, intents []*intent.Intent) []*intent.Intent {
	type keyed struct {
		key [32]byte
		in  *intent.Intent
	}
	ks := make([]keyed, len(intents))
	for i, in := range intents {
		ks[i] = keyed{key: SortKey(seed, in), in: in}
	}
	sort.SliceStable(ks, func(i, j int) bool {
		if c := bytes.Compare(ks[i].key[:], ks[j].key[:]); c != 0 {
			return c < 0
		}
		return ks[i].in.RequestID.Lt(&ks[j].in.RequestID)
	})
	out := make([]*intent.Intent, len(ks))
	for i := range ks {
		out[i] = ks[i].in
	}
	return out
}
