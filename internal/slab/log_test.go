package slab

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemLogAppendAndRead(t *testing.T) {
	l := NewMemLog()

	off0, err := l.Append([]byte("first"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off0)

	off1, err := l.Append([]byte("second"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), off1)

	assert.Equal(t, uint64(2), l.Len())

	data, err := l.Read(0)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	_, err = l.Read(5)
	assert.Error(t, err)
}

func TestFileLogAppendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aha.log")

	l, err := OpenFileLog(path)
	require.NoError(t, err)
	_, err = l.Append([]byte("alpha"))
	require.NoError(t, err)
	_, err = l.Append([]byte("beta"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := OpenFileLog(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(2), reopened.Len())
	data, err := reopened.Read(1)
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))

	off, err := reopened.Append([]byte("gamma"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), off)
}

func TestCheckSchemaVersion(t *testing.T) {
	assert.NoError(t, CheckSchemaVersion(SchemaVersion.String()))
	assert.Error(t, CheckSchemaVersion("0.1.0"))
	assert.Error(t, CheckSchemaVersion("not-a-version"))
}
