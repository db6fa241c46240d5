package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gb28181-gateway/pkg/errors"
)

// Exchange categories. The category plus an exchange-specific id form the
// key under which a pending response is tracked.
const (
	CategoryCatalog    = "catalog"
	CategoryPlay       = "play"
	CategoryDeviceInfo = "deviceinfo"
)

// Slot represents one outstanding request awaiting exactly one asynchronous
// reply. Multi-part exchanges accumulate partial results on the slot until
// the declared total is reached; the synchronization itself happens over a
// separate buffered channel so accumulation state never leaks into it.
type Slot struct {
	category string
	id       string

	// result carries the resolution value; buffered so a resolver never
	// blocks on a waiter that already gave up
	result chan interface{}

	mu       sync.Mutex
	partial  []interface{}
	expected int
}

// Category returns the exchange category the slot was registered under
func (s *Slot) Category() string { return s.category }

// ID returns the exchange instance identifier the slot was registered under
func (s *Slot) ID() string { return s.id }

func (s *Slot) accumulate(items []interface{}, declaredTotal int) ([]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expected == 0 && declaredTotal > 0 {
		s.expected = declaredTotal
	}
	s.partial = append(s.partial, items...)
	complete := s.expected > 0 && len(s.partial) >= s.expected
	collected := make([]interface{}, len(s.partial))
	copy(collected, s.partial)
	return collected, complete
}

// Hub bridges the asynchronous request/response pattern of the signaling
// protocol: the sending side registers a slot and awaits it, the transport
// side resolves it when the matching reply arrives.
type Hub struct {
	logger *logrus.Logger

	mu    sync.Mutex
	slots map[string]map[string]*Slot
}

// NewHub creates an empty correlation hub
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger: logger,
		slots:  make(map[string]map[string]*Slot),
	}
}

// Register inserts a new slot under (category, id) and returns it.
// Overwriting a live slot for the same key is allowed; re-registration means
// the previous waiter abandoned its exchange and the orphaned slot will
// simply time out.
func (h *Hub) Register(category, id string) *Slot {
	slot := &Slot{
		category: category,
		id:       id,
		result:   make(chan interface{}, 1),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	inner, ok := h.slots[category]
	if !ok {
		inner = make(map[string]*Slot)
		h.slots[category] = inner
	}
	inner[id] = slot
	return slot
}

// Resolve completes the slot registered under (category, id) with value and
// removes it. Resolving an absent or already-resolved key is a no-op.
func (h *Hub) Resolve(category, id string, value interface{}) {
	h.mu.Lock()
	inner, ok := h.slots[category]
	if !ok {
		h.mu.Unlock()
		return
	}
	slot, ok := inner[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(inner, id)
	if len(inner) == 0 {
		delete(h.slots, category)
	}
	h.mu.Unlock()

	slot.result <- value
}

// Accumulate appends a partial result batch to the slot under (category, id)
// and reports the cumulative items plus whether the count declared by the
// first batch has been reached. Unknown keys return (nil, false): the batch
// belongs to an exchange nobody is waiting on anymore.
func (h *Hub) Accumulate(category, id string, items []interface{}, declaredTotal int) ([]interface{}, bool) {
	h.mu.Lock()
	var slot *Slot
	if inner, ok := h.slots[category]; ok {
		slot = inner[id]
	}
	h.mu.Unlock()

	if slot == nil {
		h.logger.WithFields(logrus.Fields{
			"category": category,
			"id":       id,
		}).Debug("Discarding partial result for unknown correlation key")
		return nil, false
	}
	return slot.accumulate(items, declaredTotal)
}

// Await blocks until the slot is resolved, the timeout elapses, or ctx is
// cancelled. On timeout the slot is removed before returning so a late
// resolution cannot leak into a later registration of the same key.
func (h *Hub) Await(ctx context.Context, slot *Slot, timeout time.Duration) (interface{}, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case value := <-slot.result:
		return value, nil

	case <-timer.C:
		h.discard(slot)
		// A resolver racing the timer may have delivered before removal
		select {
		case value := <-slot.result:
			return value, nil
		default:
		}
		return nil, errors.Wrap(errors.ErrCorrelationTimeout, "await timed out").WithFields(map[string]interface{}{
			"category": slot.category,
			"id":       slot.id,
			"timeout":  timeout.String(),
		})

	case <-ctx.Done():
		h.discard(slot)
		return nil, errors.Wrap(ctx.Err(), "await cancelled").WithFields(map[string]interface{}{
			"category": slot.category,
			"id":       slot.id,
		})
	}
}

// Discard removes the slot if it is still registered. Used by callers that
// complete an exchange through a path other than Await.
func (h *Hub) Discard(slot *Slot) {
	h.discard(slot)
}

// Pending reports whether a slot is registered under (category, id)
func (h *Hub) Pending(category, id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	inner, ok := h.slots[category]
	if !ok {
		return false
	}
	_, ok = inner[id]
	return ok
}

// discard removes the slot only if the stored entry is this exact slot, so a
// timed-out waiter cannot evict a newer registration of the same key.
func (h *Hub) discard(slot *Slot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inner, ok := h.slots[slot.category]
	if !ok {
		return
	}
	if current, ok := inner[slot.id]; ok && current == slot {
		delete(inner, slot.id)
		if len(inner) == 0 {
			delete(h.slots, slot.category)
		}
	}
}
