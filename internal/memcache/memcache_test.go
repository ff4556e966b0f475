package memcache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/bonsaikv/bonsai/internal/memcache"
)

func TestCache_AddFileRejectsDuplicateName(t *testing.T) {
	c := memcache.New(256)
	_, err := c.AddFile("f")
	require.NoError(t, err)
	_, err = c.AddFile("f")
	assert.Error(t, err)
}

func TestCache_AddPageFirstCallReturnsIndexZero(t *testing.T) {
	c := memcache.New(256)
	fileID, err := c.AddFile("f")
	require.NoError(t, err)
	page, err := c.AddPage(context.Background(), fileID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.PageIndex())
	require.NoError(t, c.ReleasePage(page))
}

func TestCache_LoadPageOutOfRangeErrors(t *testing.T) {
	c := memcache.New(256)
	fileID, err := c.AddFile("f")
	require.NoError(t, err)
	_, err = c.LoadPage(context.Background(), fileID, 0, true)
	assert.Error(t, err)
}

// Regression test for the latch/bookkeeping split: MarkDirty is always
// called while the exclusive latch is already held, and must not deadlock
// against it.
func TestPinnedPage_MarkDirtyUnderExclusiveLatchDoesNotDeadlock(t *testing.T) {
	c := memcache.New(256)
	fileID, err := c.AddFile("f")
	require.NoError(t, err)
	page, err := c.AddPage(context.Background(), fileID)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		page.AcquireExclusiveLatch()
		page.MarkDirty()
		page.ReleaseExclusiveLatch()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("MarkDirty under an exclusive latch deadlocked")
	}
	require.NoError(t, c.ReleasePage(page))
}

func TestCache_ConcurrentPagePinningIsRaceFree(t *testing.T) {
	c := memcache.New(256)
	fileID, err := c.AddFile("f")
	require.NoError(t, err)
	page, err := c.AddPage(context.Background(), fileID)
	require.NoError(t, err)
	require.NoError(t, c.ReleasePage(page))

	var g errgroup.Group
	var mu sync.Mutex
	seen := 0
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			p, err := c.LoadPage(context.Background(), fileID, 0, true)
			if err != nil {
				return err
			}
			p.AcquireSharedLatch()
			mu.Lock()
			seen++
			mu.Unlock()
			p.ReleaseSharedLatch()
			return c.ReleasePage(p)
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 8, seen)
}

func TestCache_Snapshot(t *testing.T) {
	c := memcache.New(8)
	fileID, err := c.AddFile("f")
	require.NoError(t, err)
	page, err := c.AddPage(context.Background(), fileID)
	require.NoError(t, err)
	copy(page.Bytes(), []byte("abcdefgh"))
	page.MarkDirty()
	require.NoError(t, c.ReleasePage(page))

	snap, err := c.Snapshot("f")
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), snap[:8])
}

func TestCache_FlushFileClearsDirtyWithoutClosing(t *testing.T) {
	c := memcache.New(256)
	fileID, err := c.AddFile("f")
	require.NoError(t, err)
	page, err := c.AddPage(context.Background(), fileID)
	require.NoError(t, err)
	page.MarkDirty()
	require.NoError(t, c.ReleasePage(page))

	require.NoError(t, c.FlushFile(context.Background(), fileID))

	// The file id is still usable afterward.
	_, err = c.LoadPage(context.Background(), fileID, 0, true)
	require.NoError(t, err)
}
