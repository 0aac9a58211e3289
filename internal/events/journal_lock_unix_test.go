//go:build unix

package events

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenJournal_SecondWriterIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.jsonl")

	first, err := OpenJournal(path, 0)
	require.NoError(t, err)

	_, err = OpenJournal(path, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJournalLocked))

	require.NoError(t, first.Close())
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err), "lock file removed on close")

	second, err := OpenJournal(path, 0)
	require.NoError(t, err)
	assert.NoError(t, second.Close())
}
