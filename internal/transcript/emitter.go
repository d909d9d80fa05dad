package transcript

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/echolex/pkg/types"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind starts losing the newest updates.
const subscriberBuffer = 64

// Assemble builds the published update for a recognized transcript fragment
// and its corrected text. The update type follows the transcript's finality,
// the ID is freshly generated, and the confidence is the mean of the segment
// confidences (exactly 0 when the backend reported no segments). Word
// timings are carried on final updates only, sorted by start time.
func Assemble(t types.Transcript, corrected string) types.Update {
	kind := types.UpdatePartial
	if t.IsFinal {
		kind = types.UpdateFinal
	}
	u := types.Update{
		ID:           uuid.NewString(),
		Timestamp:    time.Now(),
		Type:         kind,
		Text:         corrected,
		Confidence:   meanConfidence(t.Segments),
		Alternatives: t.Alternatives,
	}
	if t.IsFinal && len(t.Words) > 0 {
		words := make([]types.WordTiming, len(t.Words))
		copy(words, t.Words)
		sort.SliceStable(words, func(i, j int) bool {
			return words[i].Start < words[j].Start
		})
		u.Words = words
	}
	return u
}

// AssembleCorrection re-issues a previously published final whose corrected
// text changed after a vocabulary or context update. The correction keeps
// the original's confidence, alternatives, and word timings under a fresh ID.
func AssembleCorrection(final types.Update, corrected string) types.Update {
	u := final
	u.ID = uuid.NewString()
	u.Timestamp = time.Now()
	u.Type = types.UpdateCorrection
	u.Text = corrected
	return u
}

func meanConfidence(segs []types.Segment) float64 {
	if len(segs) == 0 {
		return 0
	}
	var sum float64
	for _, s := range segs {
		sum += s.Confidence
	}
	return sum / float64(len(segs))
}

// ---- fan-out ----

// Emitter fans published updates out to subscribers in publish order.
// Publishing never blocks: a subscriber whose buffer is full loses the
// newest update, counted in [Emitter.Dropped]. Safe for concurrent use.
type Emitter struct {
	mu      sync.Mutex
	subs    []*Subscription
	closed  bool
	dropped atomic.Int64
}

// NewEmitter returns an Emitter ready for subscribers.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscription is one subscriber's view of the update stream.
type Subscription struct {
	e    *Emitter
	ch   chan types.Update
	once sync.Once
}

// Updates returns the subscriber's channel. The channel is closed when the
// subscription is cancelled or the emitter shuts down.
func (s *Subscription) Updates() <-chan types.Update {
	return s.ch
}

// Cancel detaches the subscription and closes its channel. Safe to call
// multiple times.
func (s *Subscription) Cancel() {
	s.e.remove(s)
	s.closeCh()
}

func (s *Subscription) closeCh() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe registers a new subscriber. Subscribing to a closed emitter
// returns a subscription whose channel is already closed.
func (e *Emitter) Subscribe() *Subscription {
	s := &Subscription{e: e, ch: make(chan types.Update, subscriberBuffer)}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		s.closeCh()
		return s
	}
	e.subs = append(e.subs, s)
	return s
}

// Publish delivers u to every subscriber. Each subscriber sees updates in
// publish order; a full subscriber buffer drops u for that subscriber only.
func (e *Emitter) Publish(u types.Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, s := range e.subs {
		select {
		case s.ch <- u:
		default:
			e.dropped.Add(1)
		}
	}
}

// Dropped returns the total number of updates lost to full subscriber
// buffers since the emitter was created.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close shuts the emitter down and closes every subscriber channel.
// Idempotent. Publish and Subscribe on a closed emitter are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, s := range e.subs {
		s.closeCh()
	}
	e.subs = nil
}

func (e *Emitter) remove(sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s == sub {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}
