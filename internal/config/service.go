package config

import (
	"fmt"
)

// RequirementsService exposes the effective permission requirement of each
// configured route.
type RequirementsService struct {
	config *RoutePermissions
}

func NewRequirementsService(config *RoutePermissions) *RequirementsService {
	return &RequirementsService{config: config}
}

// Patterns lists the configured route patterns in file order.
func (rs *RequirementsService) Patterns() []string {
	patterns := make([]string, 0, len(rs.config.Routes))
	for _, route := range rs.config.Routes {
		patterns = append(patterns, route.Pattern)
	}

	return patterns
}

func (rs *RequirementsService) Requirement(pattern string) ([]string, error) {
	permissions, err := RoutePermissionsFor(rs.config, pattern)
	if err != nil {
		return nil, fmt.Errorf("could not get permissions for route %s: %w", pattern, err)
	}

	return permissions, nil
}
