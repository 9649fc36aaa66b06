package handshake

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tatchi/internal/vrferr"
)

func material() *Material {
	return &Material{
		WrapKeySeed: bytes.Repeat([]byte{1}, 32),
		WrapKeySalt: bytes.Repeat([]byte{2}, 32),
	}
}

func TestAwaitAfterDelivery(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	send, recv := NewChannel()
	require.NoError(t, hub.Attach("s1", recv))
	require.NoError(t, send.Send(Delivery{Material: material()}))

	got, err := hub.Await(context.Background(), "s1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, material(), got)

	// cached: second await returns the same result immediately
	again, err := hub.Await(context.Background(), "s1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestAwaitBeforeDelivery(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	send, recv := NewChannel()
	require.NoError(t, hub.Attach("s2", recv))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = send.Send(Delivery{Material: material()})
	}()

	got, err := hub.Await(context.Background(), "s2", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, material().WrapKeySeed, got.WrapKeySeed)
}

func TestAwaitTimeout(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	start := time.Now()
	_, err := hub.Await(context.Background(), "unknown", 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, vrferr.ErrHandshakeTimeout))
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestListenerStaysArmedAfterTimeout(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	send, recv := NewChannel()
	require.NoError(t, hub.Attach("s3", recv))

	_, err := hub.Await(context.Background(), "s3", 10*time.Millisecond)
	require.True(t, errors.Is(err, vrferr.ErrHandshakeTimeout))

	require.NoError(t, send.Send(Delivery{Material: material()}))
	got, err := hub.Await(context.Background(), "s3", time.Second)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestExplicitFailureIsCached(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	send, recv := NewChannel()
	require.NoError(t, hub.Attach("s4", recv))
	require.NoError(t, send.Fail("NoResidentKeypair: no resident VRF keypair"))

	_, err := hub.Await(context.Background(), "s4", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoResidentKeypair")

	_, err = hub.Await(context.Background(), "s4", time.Millisecond)
	assert.Contains(t, err.Error(), "NoResidentKeypair")
}

func TestSecondSendIsNoOp(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	send, recv := NewChannel()
	require.NoError(t, hub.Attach("s5", recv))
	require.NoError(t, send.Send(Delivery{Material: material()}))

	other := material()
	other.WrapKeySeed[0] = 0xff
	assert.ErrorIs(t, send.Send(Delivery{Material: other}), ErrPortClosed)
	assert.True(t, send.Closed())

	got, err := hub.Await(context.Background(), "s5", time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(1), got.WrapKeySeed[0])
}

func TestPortDroppedBeforeDelivery(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	send, recv := NewChannel()
	require.NoError(t, hub.Attach("s6", recv))
	send.Close()
	send.Close()

	_, err := hub.Await(context.Background(), "s6", time.Second)
	require.Error(t, err)
	assert.False(t, errors.Is(err, vrferr.ErrHandshakeTimeout))
}

func TestAwaitContextCancel(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := hub.Await(ctx, "s7", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentWaitersResolveTogether(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	send, recv := NewChannel()
	require.NoError(t, hub.Attach("s8", recv))

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := hub.Await(context.Background(), "s8", 2*time.Second)
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, send.Send(Delivery{Material: material()}))
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestForgetWipesCachedMaterial(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	m := material()
	send, recv := NewChannel()
	require.NoError(t, hub.Attach("s9", recv))
	require.NoError(t, send.Send(Delivery{Material: m}))
	_, err := hub.Await(context.Background(), "s9", time.Second)
	require.NoError(t, err)

	hub.Forget("s9")
	assert.Equal(t, make([]byte, 32), m.WrapKeySeed)
	assert.Equal(t, 0, hub.Pending())
	hub.Forget("never-seen")
}

func TestObserverOutcomes(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	var mu sync.Mutex
	seen := map[string]int{}
	hub.SetObserver(func(o string) {
		mu.Lock()
		seen[o]++
		mu.Unlock()
	})

	send, recv := NewChannel()
	require.NoError(t, hub.Attach("ok", recv))
	require.NoError(t, send.Send(Delivery{Material: material()}))
	_, err := hub.Await(context.Background(), "ok", time.Second)
	require.NoError(t, err)

	_, _ = hub.Await(context.Background(), "missing", time.Millisecond)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[OutcomeDelivered] == 1 && seen[OutcomeTimeout] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSecondAttachRejected(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	send, recv := NewChannel()
	require.NoError(t, hub.Attach("s10", recv))

	// pending session keeps its first port
	_, recv2 := NewChannel()
	assert.ErrorIs(t, hub.Attach("s10", recv2), ErrSessionAttached)

	require.NoError(t, send.Send(Delivery{Material: material()}))
	_, err := hub.Await(context.Background(), "s10", time.Second)
	require.NoError(t, err)

	// resolved session rejects a replacement
	_, recv3 := NewChannel()
	assert.ErrorIs(t, hub.Attach("s10", recv3), ErrSessionAttached)

	// a forgotten id can be reused
	hub.Forget("s10")
	_, recv4 := NewChannel()
	assert.NoError(t, hub.Attach("s10", recv4))
}

func TestAttachAfterClose(t *testing.T) {
	hub := NewHub(nil)
	hub.Close()
	_, recv := NewChannel()
	assert.ErrorIs(t, hub.Attach("late", recv), ErrHubClosed)
}

func TestUnattachedAwaitsAreDropped(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	for _, id := range []string{"a", "b", "c"} {
		_, err := hub.Await(context.Background(), id, time.Millisecond)
		require.ErrorIs(t, err, vrferr.ErrHandshakeTimeout)
	}
	assert.Equal(t, 0, hub.Pending())

	// an attached session survives a timed-out wait
	_, recv := NewChannel()
	require.NoError(t, hub.Attach("d", recv))
	_, err := hub.Await(context.Background(), "d", time.Millisecond)
	require.ErrorIs(t, err, vrferr.ErrHandshakeTimeout)
	assert.Equal(t, 1, hub.Pending())
}

func TestForgetWakesWaitersAndWipesLateDelivery(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	send, recv := NewChannel()
	require.NoError(t, hub.Attach("s11", recv))

	errs := make(chan error, 1)
	go func() {
		_, err := hub.Await(context.Background(), "s11", 5*time.Second)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	hub.Forget("s11")

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.False(t, errors.Is(err, vrferr.ErrHandshakeTimeout))
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Forget")
	}

	m := material()
	require.NoError(t, send.Send(Delivery{Material: m}))
	assert.Eventually(t, func() bool {
		return bytes.Equal(m.WrapKeySeed, make([]byte, 32))
	}, time.Second, 5*time.Millisecond)
}

// Run with -race: Forget wipes while other goroutines clone.
func TestConcurrentAwaitAndForget(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	for i := 0; i < 20; i++ {
		send, recv := NewChannel()
		require.NoError(t, hub.Attach("race", recv))
		require.NoError(t, send.Send(Delivery{Material: material()}))

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := hub.Await(context.Background(), "race", 20*time.Millisecond)
				if err == nil {
					assert.Equal(t, material().WrapKeySeed, got.WrapKeySeed)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Forget("race")
		}()
		wg.Wait()
		hub.Forget("race")
	}
}
