package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jamestelfer/tollgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequirementsService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	err := os.WriteFile(path, []byte(`
default:
  permissions: ["api:access"]
routes:
  - pattern: "GET /documents/{id}"
    permissions: ["read:documents"]
  - pattern: "DELETE /documents/{id}"
    permissions: ["delete:documents"]
`), 0o600)
	require.NoError(t, err)

	routes, err := config.LoadRoutePermissions(path)
	require.NoError(t, err)

	svc := config.NewRequirementsService(routes)

	assert.Equal(t, []string{"GET /documents/{id}", "DELETE /documents/{id}"}, svc.Patterns())

	perms, err := svc.Requirement("DELETE /documents/{id}")
	require.NoError(t, err)
	assert.Equal(t, []string{"api:access", "delete:documents"}, perms)

	_, err = svc.Requirement("GET /nope")
	assert.ErrorContains(t, err, "could not get permissions for route GET /nope")
}

func TestLoadRoutePermissions_EmptyPath(t *testing.T) {
	routes, err := config.LoadRoutePermissions("")
	require.NoError(t, err)
	assert.Empty(t, config.NewRequirementsService(routes).Patterns())
}

func TestLoadRoutePermissions_MissingFile(t *testing.T) {
	_, err := config.LoadRoutePermissions(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
