package commitlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newLog(t *testing.T, dir string, segmentBytes int64) *CommitLog {
	l, err := New(Options{Path: dir, MaxSegmentBytes: segmentBytes, MaxIndexBytes: 1024})
	require.NoError(t, err)
	return l
}

func TestAppendRead(t *testing.T) {
	l := newLog(t, t.TempDir(), 1<<20)
	defer l.Close()

	off, err := l.Append(NewTestBatch(100, []byte("a"), []byte("b")))
	require.NoError(t, err)
	require.Equal(t, int64(0), off)

	off, err = l.Append(NewTestBatch(200, []byte("c")))
	require.NoError(t, err)
	require.Equal(t, int64(2), off)
	require.Equal(t, int64(3), l.NewestOffset())

	// offset 1 lives in the first batch
	buf, err := l.Read(1, 1<<20)
	require.NoError(t, err)
	batches, err := SplitBatches(buf)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, int64(0), batches[0].BaseOffset())
	require.Equal(t, int64(2), batches[1].BaseOffset())
	require.NoError(t, batches[1].Validate())

	// at least one batch even when it does not fit
	buf, err = l.Read(0, 1)
	require.NoError(t, err)
	batches, err = SplitBatches(buf)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	buf, err = l.Read(3, 1<<20)
	require.NoError(t, err)
	require.Empty(t, buf)

	_, err = l.Read(4, 1<<20)
	require.Equal(t, ErrOffsetOutOfRange, err)
	_, err = l.Read(-1, 1<<20)
	require.Equal(t, ErrOffsetOutOfRange, err)
}

func TestSegmentsRollAndReopen(t *testing.T) {
	dir := t.TempDir()
	l := newLog(t, dir, 100)

	for i := 0; i < 5; i++ {
		off, err := l.Append(NewTestBatch(int64(i), []byte("value")))
		require.NoError(t, err)
		require.Equal(t, int64(i), off)
	}
	require.True(t, l.Segments() > 1)
	require.NoError(t, l.Close())

	_, err := os.Stat(filepath.Join(dir, "00000000000000000000.log"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "00000000000000000000.index"))
	require.NoError(t, err)

	l = newLog(t, dir, 100)
	defer l.Close()
	require.Equal(t, int64(5), l.NewestOffset())
	require.Equal(t, int64(0), l.OldestOffset())

	buf, err := l.Read(4, 1<<20)
	require.NoError(t, err)
	batches, err := SplitBatches(buf)
	require.NoError(t, err)
	require.Equal(t, int64(4), batches[0].BaseOffset())

	off, err := l.Append(NewTestBatch(5, []byte("more")))
	require.NoError(t, err)
	require.Equal(t, int64(5), off)
}

func TestReopenCutsTornBatch(t *testing.T) {
	dir := t.TempDir()
	l := newLog(t, dir, 1<<20)
	_, err := l.Append(NewTestBatch(1, []byte("whole")))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "00000000000000000000.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	torn := NewTestBatch(2, []byte("torn"))
	_, err = f.Write(torn[:len(torn)-3])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l = newLog(t, dir, 1<<20)
	defer l.Close()
	require.Equal(t, int64(1), l.NewestOffset())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(len(NewTestBatch(1, []byte("whole")))), info.Size())
}

func TestOffsetForTime(t *testing.T) {
	l := newLog(t, t.TempDir(), 1<<20)
	defer l.Close()

	for _, ts := range []int64{10, 20, 30} {
		_, err := l.Append(NewTestBatch(ts, []byte("x"), []byte("y")))
		require.NoError(t, err)
	}

	off, ts, ok, err := l.OffsetForTime(15)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), off)
	require.Equal(t, int64(20), ts)

	_, _, ok, err = l.OffsetForTime(31)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClosedLog(t *testing.T) {
	l := newLog(t, t.TempDir(), 1<<20)
	require.NoError(t, l.Close())
	_, err := l.Append(NewTestBatch(1, []byte("x")))
	require.Equal(t, ErrClosed, err)
}

func TestDelete(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "p-0")
	l := newLog(t, dir, 128)
	for i := 0; i < 4; i++ {
		_, err := l.Append(NewTestBatch(int64(i), []byte("0123456789abcdef0123456789abcdef")))
		require.NoError(t, err)
	}
	require.True(t, l.Segments() > 1)

	require.NoError(t, l.Delete())
	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err))

	_, err = l.Append(NewTestBatch(5, []byte("x")))
	require.Equal(t, ErrClosed, err)
	require.NoError(t, l.Delete())
}

func TestSegmentSizeLimit(t *testing.T) {
	_, err := New(Options{Path: t.TempDir(), MaxSegmentBytes: MaxSegmentBytes + 1})
	require.Error(t, err)

	l, err := New(Options{Path: t.TempDir(), MaxSegmentBytes: MaxSegmentBytes})
	require.NoError(t, err)
	require.NoError(t, l.Close())
}
