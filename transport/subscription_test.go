package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionDeliversInOrderThenEnds(t *testing.T) {
	// Arrange
	conn := NewLoopback(func([]byte, *Peer) {})
	defer conn.Close()
	key := testKey(0xAA)

	sub, err := conn.InstallListener(key)
	require.NoError(t, err)
	assert.Equal(t, key, sub.Key())

	// Act
	for i := 1; i <= 3; i++ {
		require.NoError(t, conn.Peer().Push(key, i))
	}
	require.NoError(t, conn.UninstallListener(key))
	require.NoError(t, conn.Peer().Push(key, 4))

	// Assert
	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		raw, err := sub.Recv(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprint(want), string(raw))
	}
	_, err = sub.Recv(ctx)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, conn.Listeners())
}

func TestInstallTwiceFails(t *testing.T) {
	conn := NewLoopback(func([]byte, *Peer) {})
	defer conn.Close()

	first, err := conn.InstallListener(testKey(1))
	require.NoError(t, err)

	_, err = conn.InstallListener(testKey(1))
	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.ErrorIs(t, err, ErrListenerExists)
	assert.Equal(t, "install", regErr.Op)

	// The original subscription is untouched.
	require.NoError(t, conn.Peer().Push(testKey(1), "still mine"))
	raw, err := first.Recv(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"still mine"`, string(raw))
}

func TestUninstallUnknownKey(t *testing.T) {
	conn := NewLoopback(func([]byte, *Peer) {})
	defer conn.Close()

	err := conn.UninstallListener(testKey(9))
	assert.ErrorIs(t, err, ErrListenerNotFound)

	_, err = conn.InstallListener(testKey(9))
	require.NoError(t, err)
	require.NoError(t, conn.UninstallListener(testKey(9)))
	assert.ErrorIs(t, conn.UninstallListener(testKey(9)), ErrListenerNotFound)
}

func TestPushWithoutListenerIsDropped(t *testing.T) {
	conn := NewLoopback(func([]byte, *Peer) {})
	defer conn.Close()

	require.NoError(t, conn.Peer().Push(testKey(3), "nobody home"))

	sub, err := conn.InstallListener(testKey(3))
	require.NoError(t, err)
	assert.Equal(t, 0, sub.Buffered(), "payloads are not replayed to late listeners")
}

func TestSubscriptionCloseFreesEntry(t *testing.T) {
	conn := NewLoopback(func([]byte, *Peer) {})
	defer conn.Close()

	sub, err := conn.InstallListener(testKey(5))
	require.NoError(t, err)
	require.NoError(t, conn.Peer().Push(testKey(5), 1))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, conn.Listeners())

	_, err = sub.Recv(context.Background())
	assert.Equal(t, io.EOF, err, "a closed subscription drops its buffer")

	again, err := conn.InstallListener(testKey(5))
	require.NoError(t, err)
	require.NoError(t, conn.Peer().Push(testKey(5), 2))
	assert.Equal(t, 1, again.Buffered())
}

func TestStaleCloseKeepsNewerListener(t *testing.T) {
	reg := NewRegistry()
	key := testKey(6)

	old, err := reg.Install(key)
	require.NoError(t, err)
	require.NoError(t, reg.Uninstall(key))

	fresh, err := reg.Install(key)
	require.NoError(t, err)

	old.Close()
	assert.Equal(t, 1, reg.Len())
	assert.True(t, reg.Deliver(key, json.RawMessage(`"x"`)))
	assert.Equal(t, 1, fresh.Buffered())
}

func TestUnreachableSubscriptionIsReleased(t *testing.T) {
	reg := NewRegistry()
	key := testKey(7)

	func() {
		_, err := reg.Install(key)
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return reg.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, reg.Deliver(key, json.RawMessage(`1`)))
}

func TestRecvHonoursContext(t *testing.T) {
	reg := NewRegistry()
	sub, err := reg.Install(testKey(8))
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRecvWakesOnPush(t *testing.T) {
	reg := NewRegistry()
	sub, err := reg.Install(testKey(10))
	require.NoError(t, err)
	defer sub.Close()

	got := make(chan json.RawMessage, 1)
	go func() {
		raw, err := sub.Recv(context.Background())
		assert.NoError(t, err)
		got <- raw
	}()

	time.Sleep(10 * time.Millisecond)
	require.True(t, reg.Deliver(testKey(10), json.RawMessage(`"late"`)))

	select {
	case raw := <-got:
		assert.JSONEq(t, `"late"`, string(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not wake up")
	}
}

func TestSlowConsumerNeverBlocksDelivery(t *testing.T) {
	reg := NewRegistry()
	sub, err := reg.Install(testKey(11))
	require.NoError(t, err)
	defer sub.Close()

	const n = 10000
	done := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			reg.Deliver(testKey(11), json.RawMessage(fmt.Sprint(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery blocked on an idle consumer")
	}
	assert.Equal(t, n, sub.Buffered())

	for i := 0; i < n; i++ {
		raw, err := sub.Recv(context.Background())
		require.NoError(t, err)
		require.Equal(t, fmt.Sprint(i), string(raw))
	}
}

func TestConcurrentInstallsOnDistinctKeys(t *testing.T) {
	reg := NewRegistry()
	const n = 64

	subs := make([]*Subscription, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := reg.Install(testKey(byte(i)))
			assert.NoError(t, err)
			subs[i] = sub
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, reg.Len())

	for i := 0; i < n; i++ {
		require.True(t, reg.Deliver(testKey(byte(i)), json.RawMessage(fmt.Sprint(i))))
	}
	for i, sub := range subs {
		raw, err := sub.Recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), string(raw))
	}
}

func TestCloseAllEndsFeedsAndRefusesInstalls(t *testing.T) {
	reg := NewRegistry()
	a, _ := reg.Install(testKey(20))
	b, _ := reg.Install(testKey(21))
	reg.Deliver(testKey(20), json.RawMessage(`"buffered"`))

	cause := &TransportError{Op: "connection", Err: io.ErrUnexpectedEOF}
	assert.Equal(t, 2, reg.CloseAll(cause))

	raw, err := a.Recv(context.Background())
	require.NoError(t, err, "buffered values survive shutdown")
	assert.JSONEq(t, `"buffered"`, string(raw))
	_, err = a.Recv(context.Background())
	assert.Equal(t, io.EOF, err)
	_, err = b.Recv(context.Background())
	assert.Equal(t, io.EOF, err)

	_, err = reg.Install(testKey(22))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
