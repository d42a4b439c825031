package slotpool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noxrun/noxrun/internal/backend"
	"github.com/noxrun/noxrun/internal/slotpool"
)

func newCtx(t *testing.T) backend.Context {
	t.Helper()
	eng := backend.NewFakeEngine()
	m, err := eng.LoadModel("fake.gguf", backend.ModelParams{})
	require.NoError(t, err)
	ctx, err := eng.NewContext(m, backend.ContextParams{})
	require.NoError(t, err)
	return ctx
}

func TestAllocateBlocksUntilRelease(t *testing.T) {
	p := slotpool.New(newCtx(t), 1)

	s1, err := p.Allocate(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s2, err := p.Allocate(context.Background())
		require.NoError(t, err)
		s2.Release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second allocate returned before the first slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	s1.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second allocate never returned after release")
	}
}

func TestShutdownUnblocksWaiters(t *testing.T) {
	p := slotpool.New(newCtx(t), 1)
	_, err := p.Allocate(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Allocate(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Shutdown()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, slotpool.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("allocate never returned after shutdown")
	}
}

func TestAllocateNeverHandsOutAHeldID(t *testing.T) {
	// regression test: slot ids must never be reused while still held by
	// another live job, even under out-of-order release/acquire churn.
	const n = 3
	p := slotpool.New(newCtx(t), n)

	held := map[backend.SeqID]int{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Allocate(context.Background())
			require.NoError(t, err)

			mu.Lock()
			held[s.ID]++
			count := held[s.ID]
			mu.Unlock()
			require.Equal(t, 1, count, "slot id %d handed out while already held", s.ID)

			time.Sleep(time.Millisecond)

			mu.Lock()
			held[s.ID]--
			mu.Unlock()
			s.Release()
		}()
	}
	wg.Wait()
}

func TestAllocateRespectsCallerContext(t *testing.T) {
	p := slotpool.New(newCtx(t), 1)
	_, err := p.Allocate(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Allocate(ctx)
	require.Error(t, err)
}
