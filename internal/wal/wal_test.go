package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_AppendReplay(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, "rewards")
	require.NoError(t, err)

	require.NoError(t, j.Append([]byte(`{"arm":"a","reward":1}`)))
	require.NoError(t, j.Append([]byte(`{"arm":"b b","reward":0.5}`)))
	path := j.Path()
	require.NoError(t, j.Close())

	entries, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, `{"arm":"a","reward":1}`, string(entries[0].Body))
	assert.Equal(t, `{"arm":"b b","reward":0.5}`, string(entries[1].Body))
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestJournal_RejectsMultiline(t *testing.T) {
	j, err := Open(t.TempDir(), "rewards")
	require.NoError(t, err)
	defer j.Close()

	assert.Error(t, j.Append([]byte("a\nb")))
}

func TestReplay_SkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rewards-20260101.wal")
	content := "garbage\n" +
		"2026-01-01T00:00:00Z|5|hello\n" +
		"2026-01-01T00:00:01Z|99|short\n" +
		"not-a-time|2|hi\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	entries, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", string(entries[0].Body))
}

func TestReplay_MissingFile(t *testing.T) {
	entries, err := Replay(filepath.Join(t.TempDir(), "none.wal"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReplayDir_OrdersFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rewards-20260102.wal"),
		[]byte("2026-01-02T00:00:00Z|6|second\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rewards-20260101.wal"),
		[]byte("2026-01-01T00:00:00Z|5|first\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other-20260101.wal"),
		[]byte("2026-01-01T00:00:00Z|5|other\n"), 0644))

	entries, err := ReplayDir(dir, "rewards")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", string(entries[0].Body))
	assert.Equal(t, "second", string(entries[1].Body))
}

func TestJournal_Rotate(t *testing.T) {
	j, err := Open(t.TempDir(), "rewards")
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append([]byte("one")))
	old, err := j.Rotate()
	require.NoError(t, err)
	assert.Equal(t, old, j.Path())
	require.NoError(t, j.Append([]byte("two")))

	entries, err := Replay(j.Path())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestJournal_RotatesAtMidnight(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 4, 30, 23, 59, 0, 0, time.UTC)
	j, err := OpenWithClock(dir, "rewards", func() time.Time { return now })
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append([]byte("late")))
	assert.False(t, j.Stale())

	now = now.Add(2 * time.Minute)
	assert.True(t, j.Stale())
	old, err := j.Rotate()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "rewards-20260430.wal"), old)
	assert.Equal(t, filepath.Join(dir, "rewards-20260501.wal"), j.Path())
	assert.False(t, j.Stale())
	require.NoError(t, j.Append([]byte("early")))

	entries, err := ReplayDir(dir, "rewards")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "late", string(entries[0].Body))
	assert.True(t, now.Equal(entries[1].Timestamp))
}
