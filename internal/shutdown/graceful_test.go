package shutdown

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestShutdownRunsHooksInOrder(t *testing.T) {
	m := NewManager(time.Second, quietLogger())

	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	m.Register("store", OrderCloseStore, record("store"))
	m.Register("api", OrderStopAccepting, record("api"))
	m.Register("output", OrderFlushOutputs, record("output"))

	assert.Equal(t, []string{"api", "output", "store"}, m.Hooks())
	assert.NoError(t, m.Context().Err())

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"api", "output", "store"}, order)
	assert.ErrorIs(t, m.Context().Err(), context.Canceled)
	assert.True(t, m.IsShuttingDown())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done 未关闭")
	}
}

func TestShutdownCollectsErrors(t *testing.T) {
	m := NewManager(time.Second, quietLogger())
	ran := false
	m.Register("kafka", OrderFlushOutputs, func(context.Context) error { return fmt.Errorf("broker down") })
	m.Register("nodes", OrderCloseNodes, func(context.Context) error { ran = true; return nil })

	err := m.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka: broker down")
	assert.True(t, ran)
}

func TestShutdownOnlyOnce(t *testing.T) {
	m := NewManager(time.Second, quietLogger())
	var mu sync.Mutex
	calls := 0
	m.Register("store", OrderCloseStore, func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Shutdown())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestShutdownTimeoutSkipsRemaining(t *testing.T) {
	m := NewManager(20*time.Millisecond, quietLogger())
	skipped := true
	m.Register("slow", OrderDrainWorkflows, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	m.Register("after", OrderCloseStore, func(context.Context) error {
		skipped = false
		return nil
	})

	err := m.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, skipped)
}
