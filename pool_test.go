package cerver

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkerPool(t *testing.T) {
	p := NewWorkerPool(0, 0, func(Job) {})
	defer p.Stop()
	assert.Greater(t, p.Workers(), 0)

	p2 := NewWorkerPool(3, 0, func(Job) {})
	defer p2.Stop()
	assert.Equal(t, 3, p2.Workers())
}

func TestWorkerPool_Submit_keyOrder(t *testing.T) {
	const perKey = 200
	var mu sync.Mutex
	seen := make(map[uint64][]int)
	p := NewWorkerPool(4, 0, func(job Job) {
		mu.Lock()
		seen[job.Key] = append(seen[job.Key], int(job.Packet.RequestType()))
		mu.Unlock()
	})
	for i := 0; i < perKey; i++ {
		for key := uint64(1); key <= 8; key++ {
			require.NoError(t, p.Submit(Job{Kind: JobPacket, Key: key, Packet: NewPacket(PacketTypeApp, uint32(i), nil)}))
		}
	}
	p.Stop()

	require.Len(t, seen, 8)
	for key, order := range seen {
		require.Len(t, order, perKey, "key %d", key)
		for i, v := range order {
			assert.Equal(t, i, v, "key %d", key)
		}
	}
}

func TestWorkerPool_Stop_drains(t *testing.T) {
	var ran int64
	p := NewWorkerPool(2, 0, func(job Job) {
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&ran, 1)
	})
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(Job{Kind: JobCustom}))
	}
	p.Stop()
	assert.EqualValues(t, 50, atomic.LoadInt64(&ran))
	assert.Zero(t, p.Pending())
	assert.ErrorIs(t, p.Submit(Job{}), ErrPoolStopped)
	p.Stop() // twice is fine
}

func TestWorkerPool_Submit_queueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := NewWorkerPool(1, 2, func(job Job) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})
	require.NoError(t, p.Submit(Job{Key: 1}))
	<-started // the first job left the queue
	require.NoError(t, p.Submit(Job{Key: 1}))
	require.NoError(t, p.Submit(Job{Key: 1}))
	assert.Equal(t, 2, p.Pending())
	assert.ErrorIs(t, p.Submit(Job{Key: 1}), ErrQueueFull)
	close(release)
	p.Stop()
}

func TestWorkerPool_panicKeepsWorker(t *testing.T) {
	var recovered int64
	var ran int64
	p := NewWorkerPool(1, 0, func(job Job) {
		if job.Kind == JobCustom {
			panic("boom")
		}
		atomic.AddInt64(&ran, 1)
	})
	p.OnPanic = func(job Job, r interface{}) {
		assert.Equal(t, "boom", r)
		atomic.AddInt64(&recovered, 1)
	}
	require.NoError(t, p.Submit(Job{Kind: JobCustom}))
	require.NoError(t, p.Submit(Job{Kind: JobPacket}))
	p.Stop()
	assert.EqualValues(t, 1, atomic.LoadInt64(&recovered))
	assert.EqualValues(t, 1, atomic.LoadInt64(&ran))
}

func TestJobKind_String(t *testing.T) {
	assert.Equal(t, "packet", JobPacket.String())
	assert.Equal(t, "on-hold", JobOnHold.String())
	assert.Equal(t, "custom", JobCustom.String())
	assert.Equal(t, "unknown", JobKind(9).String())
}
