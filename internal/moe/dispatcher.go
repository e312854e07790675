package moe

import (
	"fmt"

	"github.com/emberml/expertpar/internal/comm"
	"github.com/emberml/expertpar/internal/tensor"
)

// Dispatcher moves tokens to the ranks hosting their chosen experts and
// back. Dispatch is dropless: buffers are sized to the actual
// assignment counts, so no token is discarded however skewed the
// routing is. Permute and Unpermute form a matched pair per forward
// pass; Unpermute is the exact inverse of Permute's data movement.
type Dispatcher struct {
	comm   comm.Communicator
	hidden int
	topK   int
}

// NewDispatcher creates a dispatcher over the given communicator.
func NewDispatcher(c comm.Communicator, hidden, topK int) *Dispatcher {
	return &Dispatcher{comm: c, hidden: hidden, topK: topK}
}

// SlotOrigin records where a dispatched token came from: the rank that
// sent it, the token's index in that rank's batch, the routing slot
// (0..k-1) it occupied, and the expert it was routed to.
type SlotOrigin struct {
	SrcRank int32
	Token   int32
	Slot    int32
	Expert  int32
}

// RoutingMap is the bookkeeping needed to invert a Permute. SendOrder
// is a bijection over the N*k (token, slot) pairs; GroupOrder is a
// bijection over the received buffer positions. Losing either would
// make the exchange unrecoverable, so the map is retained for exactly
// one matched Unpermute.
type RoutingMap struct {
	// Version is the ownership table version the map was built
	// against. Unpermute refuses to run against any other version.
	Version uint64

	// NumTokens is the local batch size N.
	NumTokens int

	// SendOrder permutes local slot indices (token*k+slot) into
	// destination-rank-grouped send order.
	SendOrder []int

	// SendCounts[d] is the number of slots sent to rank d;
	// RecvCounts[s] the number received from rank s.
	SendCounts []int
	RecvCounts []int

	// GroupOrder maps grouped buffer position (contiguous per local
	// expert) to position in the raw receive stream.
	GroupOrder []int

	// Origin holds, per grouped buffer position, where that token
	// came from.
	Origin []SlotOrigin

	// TokensPerExpert counts received tokens per local expert, in
	// local expert order.
	TokensPerExpert []int64
}

// Permute exchanges tokens across the expert-parallel group so that
// every rank ends up holding exactly the tokens assigned to its local
// experts, grouped contiguously per expert. scores and experts are the
// router's slot-major outputs of length N*k.
//
// Two collectives run inside: the counts exchange, then the data
// exchange (token vectors plus routing metadata). Both are
// synchronization barriers for the whole group.
func (d *Dispatcher) Permute(tokens *tensor.Mat, scores []float32, experts []int32, tab *OwnershipTable) (tensor.Mat, []int64, *RoutingMap, error) {
	world := d.comm.WorldSize()
	rank := d.comm.Rank()
	h := d.hidden

	if tokens.C != h {
		return tensor.Mat{}, nil, nil, fmt.Errorf("%w: token dim %d, want %d", ErrShape, tokens.C, h)
	}
	n := tokens.R
	slots := n * d.topK
	if len(experts) != slots || len(scores) != slots {
		return tensor.Mat{}, nil, nil, fmt.Errorf("%w: %d routing slots for %d tokens with k=%d", ErrShape, len(experts), n, d.topK)
	}

	// Map each slot to the rank owning its expert.
	dest := make([]int, slots)
	sendCounts := make([]int, world)
	for s, e := range experts {
		if e < 0 || int(e) >= tab.NumExperts() {
			return tensor.Mat{}, nil, nil, fmt.Errorf("%w: expert %d of %d", ErrExpertRange, e, tab.NumExperts())
		}
		dst := tab.Owner(int(e))
		dest[s] = dst
		sendCounts[dst]++
	}

	// Group slots by destination rank, keeping slot order within each
	// rank. This is the send half of the dispatch bijection.
	sendOrder := make([]int, slots)
	pos := make([]int, world)
	for dst := 1; dst < world; dst++ {
		pos[dst] = pos[dst-1] + sendCounts[dst-1]
	}
	for s, dst := range dest {
		sendOrder[pos[dst]] = s
		pos[dst]++
	}

	recvCounts, err := d.comm.AllToAllCounts(sendCounts)
	if err != nil {
		return tensor.Mat{}, nil, nil, err
	}

	// Pack token vectors and (expert, token, slot) metadata per
	// destination rank.
	sendData := make([][]float32, world)
	sendMeta := make([][]int32, world)
	for dst := 0; dst < world; dst++ {
		sendData[dst] = make([]float32, 0, sendCounts[dst]*h)
		sendMeta[dst] = make([]int32, 0, sendCounts[dst]*3)
	}
	for _, s := range sendOrder {
		dst := dest[s]
		t := s / d.topK
		sendData[dst] = append(sendData[dst], tokens.Row(t)...)
		sendMeta[dst] = append(sendMeta[dst], experts[s], int32(t), int32(s%d.topK))
	}

	recvData, err := d.comm.AllToAll(sendData)
	if err != nil {
		return tensor.Mat{}, nil, nil, err
	}
	recvMeta, err := d.comm.AllToAllInts(sendMeta)
	if err != nil {
		return tensor.Mat{}, nil, nil, err
	}

	totalRecv := 0
	for src := 0; src < world; src++ {
		if len(recvData[src]) != recvCounts[src]*h || len(recvMeta[src]) != recvCounts[src]*3 {
			return tensor.Mat{}, nil, nil, fmt.Errorf(
				"%w: rank %d declared %d tokens, sent %d vectors and %d metadata records",
				ErrCountMismatch, src, recvCounts[src], len(recvData[src])/h, len(recvMeta[src])/3)
		}
		totalRecv += recvCounts[src]
	}

	// Walk the receive stream, validating that every token belongs
	// here and counting per local expert.
	numLocal := len(tab.LocalExperts(rank))
	tokensPerExpert := make([]int64, numLocal)
	localIdx := make([]int, totalRecv)
	origins := make([]SlotOrigin, totalRecv)
	rows := make([][]float32, totalRecv)
	i := 0
	for src := 0; src < world; src++ {
		meta := recvMeta[src]
		data := recvData[src]
		for p := 0; p < recvCounts[src]; p++ {
			e := meta[p*3]
			if e < 0 || int(e) >= tab.NumExperts() {
				return tensor.Mat{}, nil, nil, fmt.Errorf("%w: expert %d in metadata from rank %d", ErrExpertRange, e, src)
			}
			if tab.Owner(int(e)) != rank {
				return tensor.Mat{}, nil, nil, fmt.Errorf(
					"%w: expert %d is hosted on rank %d, token arrived from rank %d",
					ErrNotLocalExpert, e, tab.Owner(int(e)), src)
			}
			li := tab.LocalIndex(int(e))
			localIdx[i] = li
			tokensPerExpert[li]++
			origins[i] = SlotOrigin{SrcRank: int32(src), Token: meta[p*3+1], Slot: meta[p*3+2], Expert: e}
			rows[i] = data[p*h : (p+1)*h]
			i++
		}
	}

	// Group received tokens contiguously per local expert (stable, so
	// the inverse is well defined).
	groupOrder := make([]int, totalRecv)
	posE := make([]int, numLocal)
	for li := 1; li < numLocal; li++ {
		posE[li] = posE[li-1] + int(tokensPerExpert[li-1])
	}
	for recvIdx, li := range localIdx {
		groupOrder[posE[li]] = recvIdx
		posE[li]++
	}

	dispatched := tensor.NewMat(totalRecv, h)
	groupedOrigin := make([]SlotOrigin, totalRecv)
	for gp, recvIdx := range groupOrder {
		copy(dispatched.Row(gp), rows[recvIdx])
		groupedOrigin[gp] = origins[recvIdx]
	}

	rmap := &RoutingMap{
		Version:         tab.Version,
		NumTokens:       n,
		SendOrder:       sendOrder,
		SendCounts:      sendCounts,
		RecvCounts:      recvCounts,
		GroupOrder:      groupOrder,
		Origin:          groupedOrigin,
		TokensPerExpert: tokensPerExpert,
	}
	return dispatched, tokensPerExpert, rmap, nil
}

// Unpermute reverses the exchange: expert outputs travel back to the
// ranks their tokens came from, and each token's k expert outputs are
// combined into one vector as the score-weighted sum. bias, when
// non-nil, is combined the same way. The returned matrices have exactly
// the original batch shape and token order.
func (d *Dispatcher) Unpermute(expertOut, bias *tensor.Mat, scores []float32, rmap *RoutingMap, tab *OwnershipTable) (tensor.Mat, tensor.Mat, error) {
	if rmap.Version != tab.Version {
		return tensor.Mat{}, tensor.Mat{}, fmt.Errorf(
			"%w: map version %d, table version %d", ErrStaleRoutingMap, rmap.Version, tab.Version)
	}
	world := d.comm.WorldSize()
	h := d.hidden
	totalRecv := len(rmap.GroupOrder)

	if expertOut.R != totalRecv || expertOut.C != h {
		return tensor.Mat{}, tensor.Mat{}, fmt.Errorf(
			"%w: expert output %dx%d, dispatched %dx%d", ErrShape, expertOut.R, expertOut.C, totalRecv, h)
	}
	// Whether bias travels back is a collective decision: every rank
	// must pass bias or none, whatever its local token count.
	hasBias := bias != nil
	if hasBias && (bias.R != totalRecv || bias.C != h) {
		return tensor.Mat{}, tensor.Mat{}, fmt.Errorf("%w: bias %dx%d, dispatched %dx%d", ErrShape, bias.R, bias.C, totalRecv, h)
	}

	// Ungroup outputs back into receive-stream order, sliced per
	// source rank.
	srcOffsets := make([]int, world+1)
	for src := 0; src < world; src++ {
		srcOffsets[src+1] = srcOffsets[src] + rmap.RecvCounts[src]
	}
	srcOf := make([]int, totalRecv)
	for src := 0; src < world; src++ {
		for i := srcOffsets[src]; i < srcOffsets[src+1]; i++ {
			srcOf[i] = src
		}
	}
	retData := make([][]float32, world)
	retBias := make([][]float32, world)
	for src := 0; src < world; src++ {
		retData[src] = make([]float32, rmap.RecvCounts[src]*h)
		if hasBias {
			retBias[src] = make([]float32, rmap.RecvCounts[src]*h)
		}
	}
	for gp, recvIdx := range rmap.GroupOrder {
		src := srcOf[recvIdx]
		local := recvIdx - srcOffsets[src]
		copy(retData[src][local*h:(local+1)*h], expertOut.Row(gp))
		if hasBias {
			copy(retBias[src][local*h:(local+1)*h], bias.Row(gp))
		}
	}

	backData, err := d.comm.AllToAll(retData)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}
	var backBias [][]float32
	if hasBias {
		backBias, err = d.comm.AllToAll(retBias)
		if err != nil {
			return tensor.Mat{}, tensor.Mat{}, err
		}
	}
	for dst := 0; dst < world; dst++ {
		if len(backData[dst]) != rmap.SendCounts[dst]*h {
			return tensor.Mat{}, tensor.Mat{}, fmt.Errorf(
				"%w: rank %d returned %d outputs, expected %d",
				ErrCountMismatch, dst, len(backData[dst])/h, rmap.SendCounts[dst])
		}
		if hasBias && len(backBias[dst]) != rmap.SendCounts[dst]*h {
			return tensor.Mat{}, tensor.Mat{}, fmt.Errorf(
				"%w: rank %d returned %d bias rows, expected %d",
				ErrCountMismatch, dst, len(backBias[dst])/h, rmap.SendCounts[dst])
		}
	}

	// The concatenated return stream, in destination-rank order,
	// aligns exactly with SendOrder: each peer echoes outputs in the
	// order it received our tokens.
	out := tensor.NewMat(rmap.NumTokens, h)
	var combinedBias tensor.Mat
	if hasBias {
		combinedBias = tensor.NewMat(rmap.NumTokens, h)
	}
	q := 0
	for dst := 0; dst < world; dst++ {
		buf := backData[dst]
		for p := 0; p < rmap.SendCounts[dst]; p++ {
			s := rmap.SendOrder[q]
			t := s / d.topK
			w := scores[s]
			tensor.Axpy(out.Row(t), w, buf[p*h:(p+1)*h])
			if hasBias {
				tensor.Axpy(combinedBias.Row(t), w, backBias[dst][p*h:(p+1)*h])
			}
			q++
		}
	}
	return out, combinedBias, nil
}
