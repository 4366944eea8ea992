package migration

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/erp/charityfund/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"add quota index", "add_quota_index"},
		{"Add-Quota-Index", "add_quota_index"},
		{"add__quota__index", "add_quota_index"},
		{"   spaces   ", "spaces"},
		{"special!@#$chars", "specialchars"},
		{"_leading and trailing_", "leading_and_trailing"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeName(tt.input))
		})
	}
}

func TestCreateMigration(t *testing.T) {
	t.Run("numbers after the highest existing version", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "000001_create_charity_entries.up.sql"), []byte("--"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "000002_create_outbox_events.up.sql"), []byte("--"), 0o644))

		mf, err := CreateMigration(dir, "Add outbox topic index", "speed up relay scans")
		require.NoError(t, err)

		assert.Equal(t, "000003", mf.Version)
		assert.Equal(t, filepath.Join(dir, "000003_add_outbox_topic_index.up.sql"), mf.UpPath)
		assert.Equal(t, filepath.Join(dir, "000003_add_outbox_topic_index.down.sql"), mf.DownPath)

		up, err := os.ReadFile(mf.UpPath)
		require.NoError(t, err)
		assert.Contains(t, string(up), "-- Description: speed up relay scans")
		down, err := os.ReadFile(mf.DownPath)
		require.NoError(t, err)
		assert.Contains(t, string(down), "(rollback)")
	})

	t.Run("starts at one in a new directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "migrations")

		mf, err := CreateMigration(dir, "init", "")
		require.NoError(t, err)
		assert.Equal(t, "000001", mf.Version)

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("rejects empty name", func(t *testing.T) {
		_, err := CreateMigration(t.TempDir(), "!!!", "")
		assert.Error(t, err)
	})
}

func TestListMigrations(t *testing.T) {
	t.Run("sorted up migrations only", func(t *testing.T) {
		dir := t.TempDir()
		for _, f := range []string{
			"000002_create_outbox_events.up.sql",
			"000002_create_outbox_events.down.sql",
			"000001_create_charity_entries.up.sql",
			"000001_create_charity_entries.down.sql",
			"README.md",
		} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("--"), 0o644))
		}
		require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir.up.sql"), 0o755))

		names, err := ListMigrations(dir)
		require.NoError(t, err)
		assert.Equal(t, []string{"000001_create_charity_entries", "000002_create_outbox_events"}, names)
	})

	t.Run("missing directory", func(t *testing.T) {
		names, err := ListMigrations(filepath.Join(t.TempDir(), "missing"))
		require.NoError(t, err)
		assert.Empty(t, names)
	})
}

func TestEmbeddedMigrations(t *testing.T) {
	ups, err := fs.Glob(migrations.FS, "*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrations.FS, "*.down.sql")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"000001_create_charity_entries.up.sql",
		"000002_create_outbox_events.up.sql",
		"000003_create_charity_admissions.up.sql",
	}, ups)
	assert.Len(t, downs, len(ups))
}
