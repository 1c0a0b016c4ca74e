package tipstate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTraitTableTabWithHeader(t *testing.T) {
	in := "traits\ttype\nA_1\tnorth\n# skipped\nB_2\tsouth\n"
	got, err := ReadTraitTable(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A_1": "north", "B_2": "south"}, got)
}

func TestReadTraitTableCommaWithoutHeader(t *testing.T) {
	got, err := ReadTraitTable(strings.NewReader("A, north\nB, south\nA, north\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "north", "B": "south"}, got)
}

func TestReadTraitTableErrors(t *testing.T) {
	_, err := ReadTraitTable(strings.NewReader("A\n"))
	require.ErrorIs(t, err, ErrTraitTable)

	_, err = ReadTraitTable(strings.NewReader("A,north\nA,south\n"))
	require.ErrorIs(t, err, ErrTraitTable)

	_, err = ReadTraitTable(strings.NewReader("A,\n"))
	require.ErrorIs(t, err, ErrTraitTable)
}

func TestReadTraitTableFileFeedsTraits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traits.tsv")
	require.NoError(t, os.WriteFile(path, []byte("taxon\tstate\na\tsouth\nb\tnorth\n"), 0o644))

	values, err := ReadTraitTableFile(path)
	require.NoError(t, err)
	tr, err := NewTraits([]string{"north", "south"}, values)
	require.NoError(t, err)
	s, err := tr.State(tip("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, s)

	_, err = ReadTraitTableFile(filepath.Join(t.TempDir(), "missing.tsv"))
	require.Error(t, err)
}
