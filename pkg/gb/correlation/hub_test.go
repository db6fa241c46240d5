package correlation

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gb28181-gateway/pkg/errors"
)

func newTestHub() *Hub {
	logger := logrus.New()
	logger.Out = io.Discard
	return NewHub(logger)
}

func TestRegisterThenResolveDeliversValue(t *testing.T) {
	hub := newTestHub()
	slot := hub.Register(CategoryCatalog, "12345678")

	go func() {
		time.Sleep(10 * time.Millisecond)
		hub.Resolve(CategoryCatalog, "12345678", "channels")
	}()

	value, err := hub.Await(context.Background(), slot, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "channels", value)
	assert.False(t, hub.Pending(CategoryCatalog, "12345678"))
}

func TestAwaitTimeoutRemovesSlot(t *testing.T) {
	hub := newTestHub()
	slot := hub.Register(CategoryPlay, "dev@ch")

	_, err := hub.Await(context.Background(), slot, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCorrelationTimeout))
	assert.False(t, hub.Pending(CategoryPlay, "dev@ch"))
}

func TestResolveAfterTimeoutIsNoOp(t *testing.T) {
	hub := newTestHub()
	slot := hub.Register(CategoryPlay, "dev@ch")

	_, err := hub.Await(context.Background(), slot, 10*time.Millisecond)
	require.Error(t, err)

	// Must neither panic nor affect a later registration of the same key
	hub.Resolve(CategoryPlay, "dev@ch", "stale")

	fresh := hub.Register(CategoryPlay, "dev@ch")
	go hub.Resolve(CategoryPlay, "dev@ch", "fresh")

	value, err := hub.Await(context.Background(), fresh, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fresh", value)
}

func TestResolveUnknownKeyIsNoOp(t *testing.T) {
	hub := newTestHub()
	assert.NotPanics(t, func() {
		hub.Resolve(CategoryCatalog, "never-registered", 42)
	})
}

func TestReRegisterSameKeyLastWriterWins(t *testing.T) {
	hub := newTestHub()
	stale := hub.Register(CategoryCatalog, "1")
	fresh := hub.Register(CategoryCatalog, "1")

	go hub.Resolve(CategoryCatalog, "1", "value")

	value, err := hub.Await(context.Background(), fresh, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "value", value)

	// The abandoned slot only ever times out
	_, err = hub.Await(context.Background(), stale, 20*time.Millisecond)
	assert.True(t, errors.Is(err, errors.ErrCorrelationTimeout))
}

func TestAccumulateCompletesAtDeclaredTotal(t *testing.T) {
	batchA := []interface{}{"c1", "c2", "c3"}
	batchB := []interface{}{"c4", "c5"}

	for name, order := range map[string][2][]interface{}{
		"larger batch first":  {batchA, batchB},
		"smaller batch first": {batchB, batchA},
	} {
		t.Run(name, func(t *testing.T) {
			hub := newTestHub()
			hub.Register(CategoryCatalog, "99")

			collected, complete := hub.Accumulate(CategoryCatalog, "99", order[0], 5)
			assert.False(t, complete)
			assert.Len(t, collected, len(order[0]))

			collected, complete = hub.Accumulate(CategoryCatalog, "99", order[1], 5)
			assert.True(t, complete)
			assert.Len(t, collected, 5)
		})
	}
}

func TestAccumulateUnknownKeyDiscarded(t *testing.T) {
	hub := newTestHub()
	collected, complete := hub.Accumulate(CategoryCatalog, "gone", []interface{}{"x"}, 3)
	assert.Nil(t, collected)
	assert.False(t, complete)
}

func TestAwaitCancelledByContext(t *testing.T) {
	hub := newTestHub()
	slot := hub.Register(CategoryDeviceInfo, "dev")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := hub.Await(ctx, slot, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, hub.Pending(CategoryDeviceInfo, "dev"))
}

func TestConcurrentResolveAndTimeout(t *testing.T) {
	hub := newTestHub()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		id := string(rune('a' + i%26))
		slot := hub.Register(CategoryPlay, id)
		go func() {
			defer wg.Done()
			_, _ = hub.Await(context.Background(), slot, time.Duration(i%3)*time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			hub.Resolve(CategoryPlay, id, i)
		}()
	}
	wg.Wait()
}
