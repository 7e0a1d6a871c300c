package config

import (
	"os"
)

// LoadRoutePermissions reads the route permission file at path. An empty path
// results in an empty configuration: no proxied routes.
func LoadRoutePermissions(path string) (*RoutePermissions, error) {
	if path == "" {
		return NewDefaultRoutePermissions(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseRoutePermissions(data)
}
