package server

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The /files mount must expose captured evidence only. The attempt database
// lives next to the evidence directory, so mounting the data root would serve
// it over HTTP.
func TestFilesMountServesEvidenceOnly(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	evidenceDir := filepath.Join(dataDir, "evidence")
	require.NoError(t, os.MkdirAll(evidenceDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "removals.db"), []byte("sqlite"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(evidenceDir, "attempt-1.png"), []byte("png"), 0o644))

	app := fiber.New()
	RegisterRoutes(app, Dependencies{EvidenceDir: evidenceDir})

	req, err := http.NewRequest(http.MethodGet, "/files/attempt-1.png", nil)
	require.NoError(t, err)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, path := range []string{
		"/files/removals.db",
		"/files/removals.db-wal",
		"/files/../removals.db",
	} {
		req, err := http.NewRequest(http.MethodGet, path, nil)
		require.NoError(t, err)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "path %s", path)
	}
}
