package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/chatguard/internal/auth"
)

func TestRegistry_ReserveIsAtomic(t *testing.T) {
	const limit = 5
	r := newRegistry()

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Reserve(limit) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(limit), granted.Load())
}

func TestRegistry_AddFillsReservation(t *testing.T) {
	r := newRegistry()
	require.True(t, r.Reserve(2))
	require.True(t, r.Reserve(2))
	require.False(t, r.Reserve(2))

	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := newConn("s1", auth.Identity{UID: "alice"}, server, time.Second)
	r.Add(c)
	assert.Equal(t, 1, r.Count())
	assert.False(t, r.Reserve(2), "one live and one reserved connection fill the limit")

	r.Release()
	assert.True(t, r.Reserve(2))

	_, ok := r.Remove("s1")
	require.True(t, ok)
	assert.Len(t, r.ByUser("alice"), 0)
	assert.True(t, r.Reserve(2))
}
