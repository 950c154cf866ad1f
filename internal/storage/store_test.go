package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"compliance-guardian/internal/config"
)

func TestMigrationFilesSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_scores.sql", "0001_init.sql", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o644))
	}

	files, err := MigrationFiles(dir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "0001_init.sql"),
		filepath.Join(dir, "0002_scores.sql"),
	}, files)
}

func TestRepositoryMigrationIsListed(t *testing.T) {
	files, err := MigrationFiles(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "0001_init.sql", filepath.Base(files[0]))
	require.Equal(t, "0002_guardian_state.sql", filepath.Base(files[1]))
}

func TestNewPoolRequiresDSN(t *testing.T) {
	_, err := NewPool(context.Background(), config.DatabaseConfig{})
	require.Error(t, err)
}

func TestStoreWithoutPool(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	require.ErrorIs(t, s.Migrate(ctx, t.TempDir()), ErrNotConfigured)
	require.ErrorIs(t, s.InsertViolation(ctx, ViolationRecord{}), ErrNotConfigured)
	require.ErrorIs(t, s.MarkViolationResolved(ctx, uuid.New(), 1, time.Now(), "", ""), ErrNotConfigured)
	_, err := s.ListRecentViolations(ctx, 10)
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.CountSignals(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.ListInstanceViolations(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, s.SaveFlags(ctx, FlagsRecord{}), ErrNotConfigured)
	_, _, err = s.LoadFlags(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = s.TryAdvisoryLock(ctx, 42)
	require.ErrorIs(t, err, ErrNotConfigured)

	s.Close()
}
