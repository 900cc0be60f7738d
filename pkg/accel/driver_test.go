package accel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fxnlabs/accel-runtime/pkg/transport/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func TestNewDriver(t *testing.T) {
	t.Run("nil transport", func(t *testing.T) {
		_, err := NewDriver(nil, zap.NewNop())
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("nil logger", func(t *testing.T) {
		drv, err := NewDriver(newTestTransport(t), nil)
		require.NoError(t, err)
		n, err := drv.DeviceCount()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestDriver_AllocateDevice(t *testing.T) {
	t.Run("id out of range", func(t *testing.T) {
		drv := newTestDriver(t, newTestTransport(t))
		for _, id := range []int{-1, 1, 42} {
			_, err := drv.AllocateDevice(id, Exclusive)
			assert.ErrorIs(t, err, ErrDeviceIDOutOfRange, "id %d", id)
		}
	})

	t.Run("no devices", func(t *testing.T) {
		tr, err := sim.New(sim.Platform{}, zap.NewNop())
		require.NoError(t, err)
		drv := newTestDriver(t, tr)
		_, err = drv.AllocateDevice(0, Exclusive)
		assert.ErrorIs(t, err, ErrNoDevicesFound)
	})

	t.Run("catalog", func(t *testing.T) {
		dev := newTestDevice(t)
		assert.Equal(t, 0, dev.ID())
		assert.Equal(t, Exclusive, dev.Mode())
		assert.Equal(t, 2, dev.PECount(kindIncrement))
		assert.Equal(t, 1, dev.PECount(kindFill))
		assert.Equal(t, 0, dev.PECount(99))
		assert.Equal(t, []PEKind{1, 2, 3, 4, 5, 6, 7}, dev.Kinds())
		assert.Len(t, dev.Catalog(), 7)
	})

	t.Run("exclusive access is denied while held", func(t *testing.T) {
		drv := newTestDriver(t, newTestTransport(t))
		_, err := drv.AllocateDevice(0, Exclusive)
		require.NoError(t, err)

		_, err = drv.AllocateDevice(0, Exclusive)
		require.ErrorIs(t, err, ErrAccessDenied)
		var terr *TransportError
		require.ErrorAs(t, err, &terr)
		assert.Contains(t, terr.Message, "exclusive access denied")

		_, err = drv.AllocateDevice(0, Shared)
		assert.ErrorIs(t, err, ErrAccessDenied)

		mon, err := drv.AllocateDevice(0, Monitor)
		require.NoError(t, err)
		assert.Equal(t, Monitor, mon.Mode())
	})

	t.Run("shared leases coexist", func(t *testing.T) {
		drv := newTestDriver(t, newTestTransport(t))
		a, err := drv.AllocateDevice(0, Shared)
		require.NoError(t, err)
		b, err := drv.AllocateDevice(0, Shared)
		require.NoError(t, err)
		assert.NotSame(t, a, b)
	})

	t.Run("after close", func(t *testing.T) {
		drv := newTestDriver(t, newTestTransport(t))
		require.NoError(t, drv.Close())
		_, err := drv.AllocateDevice(0, Exclusive)
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, drv.Close(), ErrClosed)
	})
}

func TestDevice_Monitor(t *testing.T) {
	drv := newTestDriver(t, newTestTransport(t))
	mon, err := drv.AllocateDevice(0, Monitor)
	require.NoError(t, err)

	assert.Equal(t, 2, mon.PECount(kindIncrement))

	_, err = mon.TryAcquirePE(kindIncrement)
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, err = mon.DefaultMemory().Allocate(64)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestDevice_AcquirePE(t *testing.T) {
	t.Run("unknown kind fails fast", func(t *testing.T) {
		dev := newTestDevice(t)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		start := time.Now()
		_, err := dev.AcquirePE(ctx, 99)
		assert.ErrorIs(t, err, ErrPEUnavailable)
		assert.Less(t, time.Since(start), time.Second)

		_, err = dev.TryAcquirePE(99)
		assert.ErrorIs(t, err, ErrPEUnavailable)
	})

	t.Run("try acquire fails when all instances are taken", func(t *testing.T) {
		dev := newTestDevice(t)
		a, err := dev.TryAcquirePE(kindIncrement)
		require.NoError(t, err)
		b, err := dev.TryAcquirePE(kindIncrement)
		require.NoError(t, err)
		assert.NotEqual(t, a.Handle(), b.Handle())
		assert.Equal(t, 2, dev.Busy())

		_, err = dev.TryAcquirePE(kindIncrement)
		assert.ErrorIs(t, err, ErrPEUnavailable)

		require.NoError(t, a.Release())
		c, err := dev.TryAcquirePE(kindIncrement)
		require.NoError(t, err)
		require.NoError(t, b.Release())
		require.NoError(t, c.Release())
		assert.Equal(t, 0, dev.Busy())
	})

	t.Run("blocking acquire times out", func(t *testing.T) {
		dev := newTestDevice(t)
		held, err := dev.AcquirePE(background(), kindNoop)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = dev.AcquirePE(ctx, kindNoop)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		require.NoError(t, held.Release())
	})

	t.Run("blocking acquire wakes on release", func(t *testing.T) {
		dev := newTestDevice(t)
		held, err := dev.AcquirePE(background(), kindNoop)
		require.NoError(t, err)

		got := make(chan *Job, 1)
		go func() {
			j, err := dev.AcquirePE(background(), kindNoop)
			if err == nil {
				got <- j
			}
		}()

		select {
		case <-got:
			t.Fatal("acquired a PE that is held")
		case <-time.After(20 * time.Millisecond):
		}

		require.NoError(t, held.Release())
		select {
		case j := <-got:
			assert.Equal(t, held.Handle(), j.Handle())
			require.NoError(t, j.Release())
		case <-time.After(5 * time.Second):
			t.Fatal("waiting acquirer was not woken")
		}
	})

	t.Run("shared lease waits out the other holder", func(t *testing.T) {
		drv := newTestDriver(t, newTestTransport(t))
		a, err := drv.AllocateDevice(0, Shared)
		require.NoError(t, err)
		b, err := drv.AllocateDevice(0, Shared)
		require.NoError(t, err)

		held, err := a.AcquirePE(background(), kindNoop)
		require.NoError(t, err)

		_, err = b.TryAcquirePE(kindNoop)
		assert.ErrorIs(t, err, ErrPEUnavailable)

		done := make(chan error, 1)
		go func() {
			j, err := b.AcquirePE(background(), kindNoop)
			if err == nil {
				err = j.Release()
			}
			done <- err
		}()
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, held.Release())
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("shared acquirer did not get the PE")
		}
	})

	t.Run("duplicate handle from transport", func(t *testing.T) {
		dev, ft := newFaultDevice(t)
		first, err := dev.TryAcquirePE(kindIncrement)
		require.NoError(t, err)

		ft.duplicatePE.Store(true)
		_, err = dev.TryAcquirePE(kindIncrement)
		assert.ErrorIs(t, err, ErrTransport)
		ft.duplicatePE.Store(false)

		second, err := dev.TryAcquirePE(kindIncrement)
		require.NoError(t, err, "pool slot must be returned after a duplicate")
		require.NoError(t, first.Release())
		require.NoError(t, second.Release())
	})
}

// No two holders ever own the same instance, however many goroutines race
// for a kind.
func TestDevice_AcquirePE_MutualExclusion(t *testing.T) {
	dev := newTestDevice(t)
	const workers = 16
	const rounds = 50

	var (
		mu     sync.Mutex
		owners = make(map[uint64]int)
	)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				job, err := dev.AcquirePE(background(), kindIncrement)
				if err != nil {
					return err
				}
				h := uint64(job.Handle())

				mu.Lock()
				if owner, taken := owners[h]; taken {
					mu.Unlock()
					return fmt.Errorf("PE %d handed to worker %d while held by worker %d", h, w, owner)
				}
				owners[h] = w
				mu.Unlock()

				time.Sleep(10 * time.Microsecond)

				mu.Lock()
				delete(owners, h)
				mu.Unlock()

				if err := job.Release(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, dev.Busy())
}

func TestDevice_Close(t *testing.T) {
	t.Run("busy while a job holds a PE", func(t *testing.T) {
		drv := newTestDriver(t, newTestTransport(t))
		dev, err := drv.AllocateDevice(0, Exclusive)
		require.NoError(t, err)

		job, err := dev.TryAcquirePE(kindNoop)
		require.NoError(t, err)
		assert.ErrorIs(t, dev.Close(), ErrDeviceBusy)

		require.NoError(t, job.Release())
		require.NoError(t, dev.Close())
		assert.ErrorIs(t, dev.Close(), ErrClosed)

		_, err = dev.TryAcquirePE(kindNoop)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = dev.DefaultMemory().Allocate(64)
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("frees leftover memory and allows a new lease", func(t *testing.T) {
		drv := newTestDriver(t, newTestTransport(t))
		dev, err := drv.AllocateDevice(0, Exclusive)
		require.NoError(t, err)
		_, err = dev.DefaultMemory().Allocate(128)
		require.NoError(t, err)

		require.NoError(t, dev.Close())
		assert.Equal(t, 0, dev.DefaultMemory().Live())

		again, err := drv.AllocateDevice(0, Exclusive)
		require.NoError(t, err)
		require.NoError(t, again.Close())
	})
}
