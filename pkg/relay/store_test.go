package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 3 * time.Second

// recorder collects the snapshots delivered to a subscription.
type recorder struct {
	ch chan Snapshot
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Snapshot, 128)}
}

func (r *recorder) handle(s Snapshot) { r.ch <- s }

func (r *recorder) next(t *testing.T) Snapshot {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case s := <-r.ch:
		t.Fatalf("unexpected snapshot at %s: %s", s.Path, s.Raw)
	case <-time.After(wait):
	}
}

// openPair returns two clients of the same relay tree.
type openPair func(t *testing.T) (Store, Store)

// testStoreSemantics runs the behavior every backend shares.
func testStoreSemantics(t *testing.T, open openPair) {
	ctx := context.Background()

	t.Run("write then read from other client", func(t *testing.T) {
		a, b := open(t)
		require.NoError(t, a.Write(ctx, "x/y", map[string]any{"n": 1, "s": "v"}))

		snap, err := b.Read(ctx, "x")
		require.NoError(t, err)
		assert.True(t, snap.Exists())
		assert.Equal(t, "x", snap.Key)
		assert.JSONEq(t, `{"y":{"n":1,"s":"v"}}`, string(snap.Raw))
	})

	t.Run("empty values delete", func(t *testing.T) {
		a, b := open(t)
		require.NoError(t, a.Write(ctx, "x/y", "v"))
		require.NoError(t, a.Write(ctx, "x/y", map[string]any{}))

		snap, err := b.Read(ctx, "x/y")
		require.NoError(t, err)
		assert.False(t, snap.Exists())

		require.NoError(t, a.Write(ctx, "x/z", 3))
		require.NoError(t, a.Write(ctx, "x/z", nil))
		snap, err = b.Read(ctx, "x")
		require.NoError(t, err)
		assert.False(t, snap.Exists(), "emptied parent is pruned")
	})

	t.Run("update with relative field paths", func(t *testing.T) {
		a, b := open(t)
		require.NoError(t, a.Update(ctx, "s", map[string]any{"a/b": 1, "c": "v"}))

		snap, err := b.Read(ctx, "s")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":{"b":1},"c":"v"}`, string(snap.Raw))

		require.NoError(t, a.Update(ctx, "s", map[string]any{"c": nil}))
		snap, err = b.Read(ctx, "s")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":{"b":1}}`, string(snap.Raw))
	})

	t.Run("delete removes subtree", func(t *testing.T) {
		a, b := open(t)
		require.NoError(t, a.Write(ctx, "s/a/b", 1))
		require.NoError(t, a.Write(ctx, "s/c", 2))
		require.NoError(t, a.Delete(ctx, "s/a"))

		snap, err := b.Read(ctx, "s")
		require.NoError(t, err)
		assert.JSONEq(t, `{"c":2}`, string(snap.Raw))
	})

	t.Run("invalid paths", func(t *testing.T) {
		a, _ := open(t)
		assert.ErrorIs(t, a.Write(ctx, "", 1), ErrInvalidPath)
		assert.ErrorIs(t, a.Write(ctx, "a//b", 1), ErrInvalidPath)
		assert.ErrorIs(t, a.Write(ctx, "a/b.c", 1), ErrInvalidPath)
		_, err := a.Read(ctx, "a/#")
		assert.ErrorIs(t, err, ErrInvalidPath)
	})

	t.Run("append keys sort in creation order", func(t *testing.T) {
		a, b := open(t)
		var keys []string
		for i := 0; i < 5; i++ {
			k, err := a.Append(ctx, "log", i)
			require.NoError(t, err)
			keys = append(keys, k)
		}
		assert.IsIncreasing(t, keys)

		rec := newRecorder()
		unsub, err := b.SubscribeChildAdded(ctx, "log", rec.handle)
		require.NoError(t, err)
		defer unsub()

		for i, k := range keys {
			s := rec.next(t)
			assert.Equal(t, k, s.Key)
			var n int
			require.NoError(t, s.Decode(&n))
			assert.Equal(t, i, n)
		}
	})

	t.Run("child added delivers existing then new", func(t *testing.T) {
		a, b := open(t)
		require.NoError(t, a.Write(ctx, "c/b", "second"))
		require.NoError(t, a.Write(ctx, "c/a", "first"))

		rec := newRecorder()
		unsub, err := b.SubscribeChildAdded(ctx, "c", rec.handle)
		require.NoError(t, err)
		defer unsub()

		assert.Equal(t, "a", rec.next(t).Key)
		assert.Equal(t, "b", rec.next(t).Key)

		key, err := a.Append(ctx, "c", map[string]any{"type": "TakePhoto"})
		require.NoError(t, err)
		s := rec.next(t)
		assert.Equal(t, key, s.Key)
		assert.Equal(t, "c/"+key, s.Path)
		assert.JSONEq(t, `{"type":"TakePhoto"}`, string(s.Raw))

		// Changing an existing child is not an addition.
		require.NoError(t, a.Write(ctx, "c/a", "changed"))
		rec.none(t, 200*time.Millisecond)
	})

	t.Run("value subscription", func(t *testing.T) {
		a, b := open(t)
		rec := newRecorder()
		unsub, err := b.SubscribeValue(ctx, "v", rec.handle)
		require.NoError(t, err)
		defer unsub()

		assert.False(t, rec.next(t).Exists(), "initial absent value is delivered")

		require.NoError(t, a.Write(ctx, "v", map[string]any{"n": 1}))
		assert.JSONEq(t, `{"n":1}`, string(rec.next(t).Raw))

		require.NoError(t, a.Write(ctx, "v/n", 1))
		rec.none(t, 200*time.Millisecond)

		require.NoError(t, a.Write(ctx, "v/n", 2))
		assert.JSONEq(t, `{"n":2}`, string(rec.next(t).Raw))

		require.NoError(t, a.Delete(ctx, "v"))
		assert.False(t, rec.next(t).Exists())
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		a, b := open(t)
		rec := newRecorder()
		unsub, err := b.SubscribeValue(ctx, "v", rec.handle)
		require.NoError(t, err)
		rec.next(t)

		unsub()
		unsub()
		require.NoError(t, a.Write(ctx, "v", 1))
		rec.none(t, 200*time.Millisecond)
	})

	t.Run("unsubscribe from inside handler", func(t *testing.T) {
		a, b := open(t)
		got := make(chan Snapshot, 8)
		var unsub Unsubscribe
		ready := make(chan struct{})
		u, err := b.SubscribeChildAdded(ctx, "q", func(s Snapshot) {
			<-ready
			got <- s
			unsub()
		})
		require.NoError(t, err)
		unsub = u
		close(ready)

		require.NoError(t, a.Write(ctx, "q/1", true))
		select {
		case <-got:
		case <-time.After(eventTimeout):
			t.Fatal("timed out")
		}
		require.NoError(t, a.Write(ctx, "q/2", true))
		select {
		case s := <-got:
			t.Fatalf("delivered after unsubscribe: %s", s.Key)
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("disconnect action runs on close", func(t *testing.T) {
		a, b := open(t)
		require.NoError(t, a.Write(ctx, "presence/a", true))
		require.NoError(t, a.OnDisconnect(ctx, "presence/a", DisconnectRemove))

		rec := newRecorder()
		unsub, err := b.SubscribeValue(ctx, "presence/a", rec.handle)
		require.NoError(t, err)
		defer unsub()
		assert.True(t, rec.next(t).Exists())

		require.NoError(t, a.Close())
		assert.False(t, rec.next(t).Exists())
	})

	t.Run("compare and delete", func(t *testing.T) {
		a, b := open(t)
		slot := "sessions/s1/lastCommand"
		require.NoError(t, a.Write(ctx, slot, map[string]any{"type": "takePhoto", "id": "r1"}))
		held, err := a.Read(ctx, slot)
		require.NoError(t, err)

		require.NoError(t, b.Write(ctx, slot, map[string]any{"type": "takePhoto", "id": "r2"}))
		deleted, err := a.CompareAndDelete(ctx, slot, held.Raw)
		require.NoError(t, err)
		assert.False(t, deleted, "a newer value survives")

		snap, err := b.Read(ctx, slot)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"takePhoto","id":"r2"}`, string(snap.Raw))

		deleted, err = a.CompareAndDelete(ctx, slot, snap.Raw)
		require.NoError(t, err)
		assert.True(t, deleted)
		snap, err = b.Read(ctx, slot)
		require.NoError(t, err)
		assert.False(t, snap.Exists())

		deleted, err = a.CompareAndDelete(ctx, slot, snap.Raw)
		require.NoError(t, err)
		assert.False(t, deleted, "nothing to delete")
	})

	t.Run("cancelled disconnect action is withdrawn", func(t *testing.T) {
		a, b := open(t)
		require.NoError(t, a.Write(ctx, "codes/AAAAA", map[string]any{"camera": "a"}))
		require.NoError(t, a.Write(ctx, "codes/BBBBB", map[string]any{"camera": "a"}))
		for i := 0; i < 3; i++ {
			require.NoError(t, a.OnDisconnect(ctx, "codes/AAAAA", DisconnectRemove))
		}
		require.NoError(t, a.OnDisconnect(ctx, "codes/BBBBB", DisconnectRemove))
		require.NoError(t, a.OnDisconnect(ctx, "codes/AAAAA", DisconnectCancel))

		require.NoError(t, a.Close())
		require.Eventually(t, func() bool {
			snap, err := b.Read(ctx, "codes/BBBBB")
			return err == nil && !snap.Exists()
		}, 2*time.Second, 10*time.Millisecond)

		snap, err := b.Read(ctx, "codes/AAAAA")
		require.NoError(t, err)
		assert.True(t, snap.Exists())
	})

	t.Run("operations fail after close", func(t *testing.T) {
		a, _ := open(t)
		require.NoError(t, a.Close())
		assert.ErrorIs(t, a.Write(ctx, "x", 1), ErrClosed)
		_, err := a.SubscribeValue(ctx, "x", func(Snapshot) {})
		assert.ErrorIs(t, err, ErrClosed)
	})
}
