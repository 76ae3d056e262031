package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/amza/internal/util/notify"
	"github.com/stretchr/testify/assert"
)

func TestSignal_Broadcast(t *testing.T) {
	s := notify.NewSignal()
	ch := s.C()
	select {
	case <-ch:
		t.Fatal("signal fired early")
	default:
	}
	s.Broadcast()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("broadcast did not wake the waiter")
	}
	assert.NotEqual(t, ch, s.C(), "a new channel is armed after a broadcast")
}

func TestWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := notify.NewSignal()

	start := time.Now()
	assert.True(t, notify.Wait(ctx, s.C(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	cancel()
	assert.False(t, notify.Wait(ctx, s.C(), time.Hour))
}

func TestKeyed_SameSignalPerKey(t *testing.T) {
	var k notify.Keyed[string]
	assert.Same(t, k.Get("a"), k.Get("a"))
	assert.NotSame(t, k.Get("a"), k.Get("b"))
}

func TestKeyed_DeleteWakesAndForgets(t *testing.T) {
	var k notify.Keyed[string]
	s := k.Get("a")
	ch := s.C()

	k.Broadcast("b")
	k.Delete("missing")
	k.Delete("a")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("delete did not wake the waiter")
	}
	assert.NotSame(t, s, k.Get("a"), "a deleted key gets a new signal")
}

func TestKeyed_BroadcastWakesExistingSignal(t *testing.T) {
	var k notify.Keyed[string]
	ch := k.Get("a").C()
	k.Broadcast("a")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("broadcast did not wake the waiter")
	}
}
