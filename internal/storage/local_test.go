package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Store(ctx, "reports/r1.csv", []byte("a,b\n")))
	require.NoError(t, s.Store(ctx, "deadletters/d1.json", []byte("{}")))

	data, err := s.Retrieve(ctx, "reports/r1.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(data))

	names, err := s.List(ctx, "reports/")
	require.NoError(t, err)
	assert.Equal(t, []string{"reports/r1.csv"}, names)

	require.NoError(t, s.Delete(ctx, "reports/r1.csv"))
	_, err = s.Retrieve(ctx, "reports/r1.csv")
	assert.Error(t, err)
}

func TestLocalStorage_PathsStayInsideRoot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStorage(dir)
	require.NoError(t, err)

	require.NoError(t, s.Store(ctx, "../../escape.txt", []byte("x")))
	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"escape.txt"}, names)
}

func TestPurgeBefore(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{
		"reports/2026-04-01/r1.pdf",
		"reports/2026-05-01/r2.pdf",
		"reports/undated.pdf",
		"deadletters/2026-04-01/d1.json",
	} {
		require.NoError(t, s.Store(ctx, name, []byte("x")))
	}

	deleted, err := PurgeBefore(ctx, s, "reports/", "2026-05-01")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"deadletters/2026-04-01/d1.json",
		"reports/2026-05-01/r2.pdf",
		"reports/undated.pdf",
	}, names)

	_, err = PurgeBefore(ctx, s, "reports/", "last month")
	assert.Error(t, err)
}
