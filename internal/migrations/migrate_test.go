package migrations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindLatestMigrationVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000001_create_matches.up.sql",
		"000001_create_matches.down.sql",
		"000012_add_index.up.sql",
		"README.md",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "000099_dir"), 0o700))

	assert.EqualValues(t, 12, findLatestMigrationVersion(dir))
	assert.Zero(t, findLatestMigrationVersion(filepath.Join(dir, "missing")))
}

func TestShippedMigrations(t *testing.T) {
	assert.EqualValues(t, 3, findLatestMigrationVersion("../../migrations"))
}

func TestRunMigrations_RequiresURL(t *testing.T) {
	err := RunMigrations("", "", logrus.NewEntry(logrus.New()))
	assert.Error(t, err)
}
