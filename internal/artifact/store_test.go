package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	return s
}

// filesFor lists files on disk attributable to category.
func filesFor(t *testing.T, s *Store, category string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(s.Dir(), s.prefix+"-"+category+"_*"))
	require.NoError(t, err)
	return matches
}

func TestStoreCreatesSlot(t *testing.T) {
	s := newTestStore(t)
	data := append(append([]byte{}, pngHeader...), "one"...)

	slot, err := s.Store(CategoryClipboardImage, data)
	require.NoError(t, err)

	assert.Equal(t, CategoryClipboardImage, slot.Category)
	assert.Equal(t, "image/png", slot.MIME)
	assert.Equal(t, ".png", filepath.Ext(slot.Path))
	assert.Equal(t, int64(len(data)), slot.Size)

	got, err := os.ReadFile(slot.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	info, err := os.Stat(slot.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(fileMode), info.Mode().Perm())

	cur, ok := s.Current(CategoryClipboardImage)
	require.True(t, ok)
	assert.Equal(t, slot, cur)
}

func TestStoreSingleSlotPerCategory(t *testing.T) {
	s := newTestStore(t)

	var last Slot
	for i := 0; i < 25; i++ {
		slot, err := s.Store(CategoryClipboardImage, append(append([]byte{}, pngHeader...), byte(i)))
		require.NoError(t, err)
		files := filesFor(t, s, CategoryClipboardImage)
		require.Len(t, files, 1, "after store %d", i)
		assert.Equal(t, slot.Path, files[0])
		last = slot
	}

	cur, ok := s.Current(CategoryClipboardImage)
	require.True(t, ok)
	assert.Equal(t, last.Path, cur.Path)
}

func TestStoreReplaceScenario(t *testing.T) {
	s := newTestStore(t)
	b1 := append(append([]byte{}, pngHeader...), "B1"...)
	b2 := append(append([]byte{}, pngHeader...), "B2"...)

	p1, err := s.Store(CategoryClipboardImage, b1)
	require.NoError(t, err)

	p2, err := s.Store(CategoryClipboardImage, b2)
	require.NoError(t, err)
	assert.NotEqual(t, p1.Path, p2.Path)

	_, err = os.Stat(p1.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "P1 must be deleted")

	cur, ok := s.Current(CategoryClipboardImage)
	require.True(t, ok)
	assert.Equal(t, p2.Path, cur.Path)
	assert.Equal(t, []string{p2.Path}, filesFor(t, s, CategoryClipboardImage))
}

func TestStoreCategoriesAreIndependent(t *testing.T) {
	s := newTestStore(t)

	img, err := s.Store(CategoryClipboardImage, pngHeader)
	require.NoError(t, err)
	txt, err := s.Store("clipboard-text", []byte("hello"))
	require.NoError(t, err)

	assert.FileExists(t, img.Path)
	assert.FileExists(t, txt.Path)
	assert.Equal(t, ".txt", filepath.Ext(txt.Path))

	slots := s.Slots()
	require.Len(t, slots, 2)
	assert.Equal(t, CategoryClipboardImage, slots[0].Category)
	assert.Equal(t, "clipboard-text", slots[1].Category)
}

func TestStoreDeleteFailureLeavesOneStaleFile(t *testing.T) {
	s := newTestStore(t)
	failNext := true
	s.remove = func(p string) error {
		if failNext {
			failNext = false
			return errors.New("file in use")
		}
		return os.Remove(p)
	}

	p1, err := s.Store(CategoryClipboardImage, append(append([]byte{}, pngHeader...), 1))
	require.NoError(t, err)
	p2, err := s.Store(CategoryClipboardImage, append(append([]byte{}, pngHeader...), 2))
	require.NoError(t, err, "deletion failure is not fatal")

	cur, _ := s.Current(CategoryClipboardImage)
	assert.Equal(t, p2.Path, cur.Path, "slot still moves to the new file")
	assert.Len(t, filesFor(t, s, CategoryClipboardImage), 2, "bounded leak of one stale file")
	assert.Equal(t, []string{p1.Path}, s.Stale())

	// The stale file is retried on the next store.
	p3, err := s.Store(CategoryClipboardImage, append(append([]byte{}, pngHeader...), 3))
	require.NoError(t, err)
	assert.Empty(t, s.Stale())
	assert.Equal(t, []string{p3.Path}, filesFor(t, s, CategoryClipboardImage))
}

func TestStorePersistentDeleteFailureStaysBounded(t *testing.T) {
	s := newTestStore(t)
	var blocked sync.Mutex
	failing := true
	s.remove = func(p string) error {
		blocked.Lock()
		defer blocked.Unlock()
		if failing {
			return errors.New("file in use")
		}
		return os.Remove(p)
	}

	var last Slot
	for i := byte(0); i < 6; i++ {
		slot, err := s.Store(CategoryClipboardImage, append(append([]byte{}, pngHeader...), i))
		require.NoError(t, err)
		last = slot

		assert.LessOrEqual(t, len(filesFor(t, s, CategoryClipboardImage)), 2, "store %d", i)
		assert.LessOrEqual(t, len(s.Stale()), 1, "store %d", i)
	}
	data, err := os.ReadFile(last.Path)
	require.NoError(t, err)
	assert.Equal(t, byte(5), data[len(data)-1], "live file holds the newest payload")

	blocked.Lock()
	failing = false
	blocked.Unlock()

	next, err := s.Store(CategoryClipboardImage, append(append([]byte{}, pngHeader...), 9))
	require.NoError(t, err)
	assert.Empty(t, s.Stale())
	assert.Equal(t, []string{next.Path}, filesFor(t, s, CategoryClipboardImage))
}

func TestStoreWriteFailureKeepsPreviousSlot(t *testing.T) {
	s := newTestStore(t)
	prev, err := s.Store(CategoryClipboardImage, pngHeader)
	require.NoError(t, err)

	// Point the store at a directory that does not exist.
	s.dir = filepath.Join(t.TempDir(), "missing", "dir")

	_, err = s.Store(CategoryClipboardImage, []byte("next"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWrite)

	cur, ok := s.Current(CategoryClipboardImage)
	require.True(t, ok)
	assert.Equal(t, prev, cur)
	assert.FileExists(t, prev.Path)
}

func TestStoreRejectsInvalidCategory(t *testing.T) {
	s := newTestStore(t)
	for _, c := range []string{"", "../escape", "with_underscore", "Upper", "a/b"} {
		_, err := s.Store(c, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidCategory, "category %q", c)
	}
}

func TestSweepRemovesLeftovers(t *testing.T) {
	dir := t.TempDir()
	leftovers := []string{
		"clipstage-clipboard-image_1-1.png",
		".clipstage-clipboard-image_123.partial",
	}
	for _, name := range leftovers {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("old"), 0o600))
	}
	unrelated := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0o600))

	s, err := New(Config{Dir: dir})
	require.NoError(t, err)
	live, err := s.Store(CategoryClipboardImage, pngHeader)
	require.NoError(t, err)

	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.FileExists(t, unrelated)
	assert.FileExists(t, live.Path, "sweep must not touch live slots")
}

func TestCloseDeletesTrackedSlots(t *testing.T) {
	s := newTestStore(t)
	a, err := s.Store(CategoryClipboardImage, pngHeader)
	require.NoError(t, err)
	b, err := s.Store("clipboard-text", []byte("hi"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.NoFileExists(t, a.Path)
	assert.NoFileExists(t, b.Path)
	assert.Empty(t, s.Slots())

	_, err = s.Store(CategoryClipboardImage, pngHeader)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, s.Close())
}

func TestStoreConcurrentWritersKeepOneFile(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Store(CategoryClipboardImage, append(append([]byte{}, pngHeader...), byte(i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	files := filesFor(t, s, CategoryClipboardImage)
	require.Len(t, files, 1)
	cur, ok := s.Current(CategoryClipboardImage)
	require.True(t, ok)
	assert.Equal(t, cur.Path, files[0])
}

func TestNewRejectsBadPrefix(t *testing.T) {
	_, err := New(Config{Dir: t.TempDir(), Prefix: "bad_prefix"})
	assert.Error(t, err)
}
