package candle

import (
	"slices"
	"sync"

	"github.com/dnldd/chartdesk/shared"
	"go.uber.org/atomic"
)

const (
	// PaginationThreshold is the number of logical bars from the start of the buffer within
	// which the visible range triggers a backward page load.
	PaginationThreshold = 10
)

// LiveOutcome describes how a streamed candle was merged into the buffer.
type LiveOutcome int

const (
	Ignored LiveOutcome = iota
	Replaced
	Appended
)

// String stringifies the provided live outcome.
func (o LiveOutcome) String() string {
	switch o {
	case Replaced:
		return "replaced"
	case Appended:
		return "appended"
	default:
		return "ignored"
	}
}

// Buffer represents the ordered, deduplicated candle series of a chart. It is the single
// mutable resource the mapper, imbalance tracker and renderer read from.
type Buffer struct {
	data        []shared.Candle
	seq         uint64
	dataMtx     sync.RWMutex
	ready       atomic.Bool
	hasMore     atomic.Bool
	subscribers []func(candles []shared.Candle)
	subMtx      sync.RWMutex
	delivered   uint64
	notifyMtx   sync.Mutex
}

// NewBuffer initializes a new candle buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		data: make([]shared.Candle, 0),
	}
}

// Subscribe registers the provided function to receive a snapshot after every mutation.
func (b *Buffer) Subscribe(fn func(candles []shared.Candle)) {
	b.subMtx.Lock()
	b.subscribers = append(b.subscribers, fn)
	b.subMtx.Unlock()
}

// stamp sequences a mutation and copies the resulting data. It must be called with the data
// lock held.
func (b *Buffer) stamp() (uint64, []shared.Candle) {
	b.seq++
	return b.seq, slices.Clone(b.data)
}

// notifySubscribers relays the snapshot of the mutation with the provided sequence to all
// subscribers. Deliveries are serialized and a snapshot older than one already delivered
// is dropped, so subscribers always converge on the latest data.
func (b *Buffer) notifySubscribers(seq uint64, snapshot []shared.Candle) {
	b.notifyMtx.Lock()
	defer b.notifyMtx.Unlock()

	if seq <= b.delivered {
		return
	}
	b.delivered = seq

	b.subMtx.RLock()
	subs := slices.Clone(b.subscribers)
	b.subMtx.RUnlock()

	for idx := range subs {
		subs[idx](snapshot)
	}
}

// dedupe removes repeated timestamps from the batch, the first seen candle wins.
func dedupe(batch []shared.Candle) []shared.Candle {
	seen := make(map[int64]struct{}, len(batch))
	set := make([]shared.Candle, 0, len(batch))
	for idx := range batch {
		if _, ok := seen[batch[idx].Time]; ok {
			continue
		}

		seen[batch[idx].Time] = struct{}{}
		set = append(set, batch[idx])
	}

	return set
}

// sortCandles orders the provided candles ascending by time.
func sortCandles(candles []shared.Candle) {
	slices.SortStableFunc(candles, func(a, b shared.Candle) int {
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		default:
			return 0
		}
	})
}

// Replace swaps the buffer contents wholesale with the provided batch and marks the buffer ready.
func (b *Buffer) Replace(batch []shared.Candle) {
	set := dedupe(batch)
	sortCandles(set)

	b.dataMtx.Lock()
	b.data = set
	b.hasMore.Store(true)
	b.ready.Store(true)
	seq, snapshot := b.stamp()
	b.dataMtx.Unlock()

	b.notifySubscribers(seq, snapshot)
}

// Prepend merges an older page of candles into the buffer and returns the number of candles
// added. Candles sharing a timestamp with buffered data are dropped. A page adding nothing
// signals there is no earlier data.
func (b *Buffer) Prepend(batch []shared.Candle) int {
	set := dedupe(batch)

	b.dataMtx.Lock()
	existing := make(map[int64]struct{}, len(b.data))
	for idx := range b.data {
		existing[b.data[idx].Time] = struct{}{}
	}

	fresh := make([]shared.Candle, 0, len(set))
	for idx := range set {
		if _, ok := existing[set[idx].Time]; ok {
			continue
		}
		fresh = append(fresh, set[idx])
	}

	if len(fresh) == 0 {
		b.dataMtx.Unlock()
		b.hasMore.Store(false)
		return 0
	}

	merged := make([]shared.Candle, 0, len(fresh)+len(b.data))
	merged = append(merged, fresh...)
	merged = append(merged, b.data...)
	sortCandles(merged)
	b.data = merged
	seq, snapshot := b.stamp()
	b.dataMtx.Unlock()

	b.notifySubscribers(seq, snapshot)

	return len(fresh)
}

// ApplyLive merges a single streamed candle. A candle matching the last bar's time replaces it,
// a strictly newer candle is appended and anything older is ignored.
func (b *Buffer) ApplyLive(candle shared.Candle) LiveOutcome {
	b.dataMtx.Lock()
	var outcome LiveOutcome
	count := len(b.data)
	switch {
	case count == 0:
		b.data = append(b.data, candle)
		outcome = Appended
	case candle.Time == b.data[count-1].Time:
		b.data[count-1] = candle
		outcome = Replaced
	case candle.Time > b.data[count-1].Time:
		b.data = append(b.data, candle)
		outcome = Appended
	default:
		// Out-of-order or duplicate messages must not corrupt ordering.
		outcome = Ignored
	}
	if outcome == Ignored {
		b.dataMtx.Unlock()
		return outcome
	}
	seq, snapshot := b.stamp()
	b.dataMtx.Unlock()

	b.notifySubscribers(seq, snapshot)

	return outcome
}

// Reset empties the buffer and clears the ready and pagination flags.
func (b *Buffer) Reset() {
	b.dataMtx.Lock()
	b.data = make([]shared.Candle, 0)
	b.ready.Store(false)
	b.hasMore.Store(false)
	seq, snapshot := b.stamp()
	b.dataMtx.Unlock()

	b.notifySubscribers(seq, snapshot)
}

// Snapshot returns a copy of the buffered candles.
func (b *Buffer) Snapshot() []shared.Candle {
	b.dataMtx.RLock()
	defer b.dataMtx.RUnlock()

	return slices.Clone(b.data)
}

// Len returns the number of buffered candles.
func (b *Buffer) Len() int {
	b.dataMtx.RLock()
	defer b.dataMtx.RUnlock()

	return len(b.data)
}

// Last returns the most recent candle.
func (b *Buffer) Last() (shared.Candle, bool) {
	b.dataMtx.RLock()
	defer b.dataMtx.RUnlock()

	if len(b.data) == 0 {
		return shared.Candle{}, false
	}

	return b.data[len(b.data)-1], true
}

// Earliest returns the time of the oldest buffered candle.
func (b *Buffer) Earliest() (int64, bool) {
	b.dataMtx.RLock()
	defer b.dataMtx.RUnlock()

	if len(b.data) == 0 {
		return 0, false
	}

	return b.data[0].Time, true
}

// Ready reports whether an initial load has completed.
func (b *Buffer) Ready() bool {
	return b.ready.Load()
}

// HasMore reports whether earlier data may exist.
func (b *Buffer) HasMore() bool {
	return b.hasMore.Load()
}

// NeedsOlder reports whether the visible range starting at the provided logical index is
// close enough to the start of the buffer to warrant a backward page load.
func (b *Buffer) NeedsOlder(fromLogical float64) bool {
	return b.Ready() && b.HasMore() && fromLogical < PaginationThreshold
}
