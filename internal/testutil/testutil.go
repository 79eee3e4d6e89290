// Package testutil provides shared test helpers for setting up vaults.
package testutil

import (
	"testing"

	"github.com/starford/vaultkeep/internal/storage"
)

// TestVault creates a temporary vault directory with an FS provider.
func TestVault(t *testing.T) (string, *storage.FS) {
	t.Helper()
	vaultDir := t.TempDir()
	store, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	return vaultDir, store
}
