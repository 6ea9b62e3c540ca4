package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpl-au/treedb/internal/session"
)

func payload(db, table string) session.Payload {
	return session.Payload{
		DBPath:       db,
		TableName:    table,
		IDColumn:     "id",
		ParentColumn: "parent",
	}
}

// newManager returns a manager with no schema initialisation and a 30 minute
// timeout, matching the server default.
func newManager() *session.Manager {
	return session.NewManager(30*time.Minute, nil)
}

func TestOpen_AssignsIDAndLock(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	s, err := m.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())

	owner, ok := m.Owner(s.Binding().Key())
	require.True(t, ok)
	assert.Equal(t, s.ID(), owner)
}

func TestOpen_NormalizesBinding(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	s, err := m.Open(ctx, session.Payload{
		DBPath:       "  a.db ",
		TableName:    " nodes ",
		IDColumn:     "id",
		ParentColumn: "parent",
	})
	require.NoError(t, err)

	b := s.Binding()
	assert.True(t, filepath.IsAbs(b.DBPath), "db path should be absolute: %s", b.DBPath)
	assert.Equal(t, "nodes", b.TableName)
}

func TestOpen_RejectsIncompleteBinding(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	_, err := m.Open(ctx, session.Payload{DBPath: "a.db", TableName: "nodes"})
	assert.ErrorIs(t, err, session.ErrInvalidBinding)
}

func TestOpen_ConflictOnSameResource(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	_, err := m.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)

	_, err = m.Open(ctx, payload("a.db", "nodes"))
	assert.ErrorIs(t, err, session.ErrResourceConflict)

	// Different spellings of the same file still collide.
	_, err = m.Open(ctx, payload("./a.db", "nodes"))
	assert.ErrorIs(t, err, session.ErrResourceConflict)
}

func TestOpen_DifferentTablesCoexist(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	_, err := m.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)

	_, err = m.Open(ctx, payload("a.db", "categories"))
	assert.NoError(t, err)

	_, err = m.Open(ctx, payload("b.db", "nodes"))
	assert.NoError(t, err)
}

func TestOpen_InitFailureRollsBack(t *testing.T) {
	initErr := errors.New("table unreadable")
	m := session.NewManager(30*time.Minute, func(context.Context, *session.Session) error {
		return initErr
	})
	ctx := context.Background()

	_, err := m.Open(ctx, payload("a.db", "nodes"))
	require.ErrorIs(t, err, initErr)

	// The failed open must not leave the resource locked.
	m2 := newManager()
	s, err := m2.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)
	assert.NotNil(t, s)

	assert.Empty(t, m.List())
}

func TestGet_TouchSemantics(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	s, err := m.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)

	seen := s.LastSeen()
	time.Sleep(10 * time.Millisecond)

	// A read-only probe must not extend liveness.
	m.Get(s.ID(), false)
	assert.Equal(t, seen, s.LastSeen())

	m.Get(s.ID(), true)
	assert.True(t, s.LastSeen().After(seen))
}

func TestGet_UnknownID(t *testing.T) {
	m := newManager()
	assert.Nil(t, m.Get("nope", true))
	assert.Nil(t, m.Get("", true))
}

func TestClose_ReleasesLock(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	s, err := m.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)

	assert.True(t, m.Close(s.ID()))
	assert.False(t, m.Close(s.ID()), "second close is a no-op")

	_, err = m.Open(ctx, payload("a.db", "nodes"))
	assert.NoError(t, err, "resource should be free after close")
}

func TestMutate_ConflictWithoutForce(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	a, err := m.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)
	b, err := m.Open(ctx, payload("b.db", "nodes"))
	require.NoError(t, err)

	_, err = m.Mutate(ctx, b.ID(), payload("a.db", "nodes"), false)
	assert.ErrorIs(t, err, session.ErrResourceConflict)

	// The loser keeps its binding, the holder keeps its lock.
	assert.Equal(t, "nodes", b.Binding().TableName)
	owner, _ := m.Owner(a.Binding().Key())
	assert.Equal(t, a.ID(), owner)
}

func TestMutate_ForceEvictsHolder(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	a, err := m.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)
	b, err := m.Open(ctx, payload("b.db", "nodes"))
	require.NoError(t, err)

	oldKey := b.Binding().Key()
	got, err := m.Mutate(ctx, b.ID(), payload("a.db", "nodes"), true)
	require.NoError(t, err)
	assert.Equal(t, b.ID(), got.ID())

	// The holder is evicted entirely, not just unlocked.
	assert.Nil(t, m.Get(a.ID(), false))

	owner, ok := m.Owner(got.Binding().Key())
	require.True(t, ok)
	assert.Equal(t, b.ID(), owner)

	// The old resource is released.
	_, held := m.Owner(oldKey)
	assert.False(t, held)
}

func TestMutate_UnknownSession(t *testing.T) {
	m := newManager()
	_, err := m.Mutate(context.Background(), "nope", payload("a.db", "nodes"), false)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestMutate_InitFailureRestoresBinding(t *testing.T) {
	initErr := errors.New("table unreadable")
	m := session.NewManager(30*time.Minute, func(_ context.Context, s *session.Session) error {
		if s.Binding().TableName == "broken" {
			return initErr
		}
		return nil
	})
	ctx := context.Background()

	s, err := m.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)
	oldKey := s.Binding().Key()

	_, err = m.Mutate(ctx, s.ID(), payload("a.db", "broken"), false)
	require.ErrorIs(t, err, initErr)

	// Binding and lock are back where they started.
	assert.Equal(t, "nodes", s.Binding().TableName)
	owner, ok := m.Owner(oldKey)
	require.True(t, ok)
	assert.Equal(t, s.ID(), owner)

	_, held := m.Owner(session.ResourceKey{DBPath: oldKey.DBPath, Table: "broken"})
	assert.False(t, held)
}

func TestForceRelease(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	s, err := m.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)
	key := s.Binding().Key()

	assert.True(t, m.ForceRelease(key))
	assert.Nil(t, m.Get(s.ID(), false), "evicted session is gone")
	assert.False(t, m.ForceRelease(key), "already free")
}

func TestSweep_ExpiresIdleSessions(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	s, err := m.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)

	// Within the aggressive threshold nothing happens.
	assert.Equal(t, 0, m.Sweep(time.Now().Add(4*time.Minute)))
	assert.NotNil(t, m.Get(s.ID(), false))

	// Past it, the idle session and its lock are reclaimed even though the
	// main 30 minute timeout has not fired.
	assert.Equal(t, 1, m.Sweep(time.Now().Add(6*time.Minute)))
	assert.Nil(t, m.Get(s.ID(), false))

	_, err = m.Open(ctx, payload("a.db", "nodes"))
	assert.NoError(t, err)
}

func TestSweep_DisabledWhenTimeoutNonPositive(t *testing.T) {
	m := session.NewManager(0, nil)
	ctx := context.Background()

	s, err := m.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)

	assert.Equal(t, 0, m.Sweep(time.Now().Add(24*time.Hour)))
	assert.NotNil(t, m.Get(s.ID(), false))
}

func TestList_Snapshot(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	a, err := m.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)
	_, err = m.Open(ctx, payload("b.db", "nodes"))
	require.NoError(t, err)

	infos := m.List()
	require.Len(t, infos, 2)
	ids := []string{infos[0].ID, infos[1].ID}
	assert.Contains(t, ids, a.ID())
}

func TestParseBool(t *testing.T) {
	assert.True(t, session.ParseBool(true))
	assert.True(t, session.ParseBool("true"))
	assert.True(t, session.ParseBool(" Yes "))
	assert.True(t, session.ParseBool(float64(1)))
	assert.False(t, session.ParseBool(false))
	assert.False(t, session.ParseBool("off"))
	assert.False(t, session.ParseBool(nil))
	assert.False(t, session.ParseBool(float64(0)))
}

// --- Concurrency ---

func TestOpen_ConcurrentSingleWinner(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	const racers = 32
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.Open(ctx, payload("a.db", "nodes"))
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var won, conflicted int
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, session.ErrResourceConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won, "exactly one racer claims the resource")
	assert.Equal(t, racers-1, conflicted)

	infos := m.List()
	require.Len(t, infos, 1)
	owner, ok := m.Owner(infos[0].Binding.Key())
	require.True(t, ok)
	assert.Equal(t, infos[0].ID, owner)
}

func TestMutate_ForceLeavesNoUnlockedWindow(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	holder, err := m.Open(ctx, payload("a.db", "nodes"))
	require.NoError(t, err)
	taker, err := m.Open(ctx, payload("b.db", "nodes"))
	require.NoError(t, err)
	oldKey := taker.Binding().Key()

	// Hammer Open on the contested resource while the forced rebind runs.
	// Eviction and lock transfer happen in one critical section, so no
	// attempt may ever land between them.
	done := make(chan struct{})
	raced := make(chan error, 1)
	go func() {
		defer close(raced)
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, err := m.Open(ctx, payload("a.db", "nodes")); err == nil {
				raced <- errors.New("open succeeded during forced lock transfer")
				return
			}
		}
	}()

	mutated, err := m.Mutate(ctx, taker.ID(), payload("a.db", "nodes"), true)
	close(done)
	require.NoError(t, err)
	if err := <-raced; err != nil {
		t.Fatal(err)
	}

	assert.Nil(t, m.Get(holder.ID(), false), "holder was evicted")
	owner, ok := m.Owner(mutated.Binding().Key())
	require.True(t, ok)
	assert.Equal(t, taker.ID(), owner)

	_, stillHeld := m.Owner(oldKey)
	assert.False(t, stillHeld, "the old resource is released")
}
