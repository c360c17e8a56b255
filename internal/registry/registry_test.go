package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone-labs/filesync/internal/dirspec"
)

func spec(dir, host string, port int) dirspec.Spec {
	return dirspec.Spec{Dir: dir, Endpoint: dirspec.Endpoint{Host: host, Port: port}}
}

func TestAddAndFind(t *testing.T) {
	r := New()
	src := spec("/a", "1.2.3.4", 9000)
	tgt := spec("/b", "5.6.7.8", 9001)
	require.NoError(t, r.Add(src, tgt))

	e, ok := r.Find(src)
	require.True(t, ok)
	assert.True(t, e.Active)
	assert.Equal(t, tgt, e.Target)
}

func TestAddDuplicateRejected(t *testing.T) {
	r := New()
	src := spec("/a", "1.2.3.4", 9000)
	tgt := spec("/b", "5.6.7.8", 9001)
	require.NoError(t, r.Add(src, tgt))

	// same source identity, different target: still a duplicate by source.
	otherTgt := spec("/different", "9.9.9.9", 1)
	err := r.Add(src, otherTgt)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Len(t, r.Snapshot(), 1)
}

func TestDeactivateThenAddSameSourceStillAlreadyExists(t *testing.T) {
	r := New()
	src := spec("/a", "1.2.3.4", 9000)
	tgt := spec("/b", "5.6.7.8", 9001)
	require.NoError(t, r.Add(src, tgt))
	require.NoError(t, r.Deactivate(src))

	err := r.Add(src, tgt)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	e, ok := r.Find(src)
	require.True(t, ok)
	assert.False(t, e.Active)
}

func TestCancelIdempotence(t *testing.T) {
	r := New()
	src := spec("/a", "1.2.3.4", 9000)
	require.NoError(t, r.Add(src, spec("/b", "5.6.7.8", 9001)))

	require.NoError(t, r.Deactivate(src))
	// second cancel: entry still exists (cancel never removes), so it
	// returns OK again, not NotFound.
	require.NoError(t, r.Deactivate(src))

	e, ok := r.Find(src)
	require.True(t, ok)
	assert.False(t, e.Active)
}

func TestDeactivateNotFound(t *testing.T) {
	r := New()
	err := r.Deactivate(spec("/missing", "1.1.1.1", 1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove(t *testing.T) {
	r := New()
	src := spec("/a", "1.2.3.4", 9000)
	require.NoError(t, r.Add(src, spec("/b", "5.6.7.8", 9001)))
	require.NoError(t, r.Remove(src))
	_, ok := r.Find(src)
	assert.False(t, ok)
	assert.ErrorIs(t, r.Remove(src), ErrNotFound)
}

func TestFindReturnsCopyNotLiveReference(t *testing.T) {
	r := New()
	src := spec("/a", "1.2.3.4", 9000)
	require.NoError(t, r.Add(src, spec("/b", "5.6.7.8", 9001)))

	e, _ := r.Find(src)
	e.Active = false // mutating the returned copy must not affect the registry

	e2, _ := r.Find(src)
	assert.True(t, e2.Active)
}

func TestConcurrentAddsUniquePerSource(t *testing.T) {
	r := New()
	const n = 50
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// all goroutines race to add the SAME source identity
			err := r.Add(spec("/shared", "1.1.1.1", 1), spec("/t", "2.2.2.2", 2))
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one Add should win the race")
	assert.Len(t, r.Snapshot(), 1)
}
