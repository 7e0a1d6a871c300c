package config

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

func ParseRoutePermissions(data []byte) (*RoutePermissions, error) {
	config := NewDefaultRoutePermissions()
	err := yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	sanitizeRoutePermissions(config)

	err = validateRoutePermissions(config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// Permission names are matched exactly, so only surrounding whitespace is
// removed. Case is significant ("read:Documents" != "read:documents").
func sanitizeRoutePermissions(config *RoutePermissions) {
	config.Default.Permissions = sanitizeValues(config.Default.Permissions)

	for i := range config.Routes {
		config.Routes[i].Pattern = strings.TrimSpace(config.Routes[i].Pattern)
		config.Routes[i].Permissions = sanitizeValues(config.Routes[i].Permissions)
	}
}

func sanitizeValues(values []string) []string {
	if values == nil {
		return nil
	}

	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			cleaned = append(cleaned, v)
		}
	}

	return cleaned
}

func validateRoutePermissions(config *RoutePermissions) error {
	seen := make(map[string]struct{}, len(config.Routes))

	var errs []error
	for i, route := range config.Routes {
		if route.Pattern == "" {
			errs = append(errs, fmt.Errorf("route %d: pattern is required", i))
			continue
		}

		if _, dup := seen[route.Pattern]; dup {
			errs = append(errs, fmt.Errorf("route %d: duplicate pattern %q", i, route.Pattern))
		}
		seen[route.Pattern] = struct{}{}
	}

	return errors.Join(errs...)
}

// RoutePermissionsFor returns the permissions required by the route with the
// given pattern: the default permissions merged with the route's own.
func RoutePermissionsFor(config *RoutePermissions, pattern string) ([]string, error) {
	for _, route := range config.Routes {
		if route.Pattern == pattern {
			return mergeValues(config.Default.Permissions, route.Permissions), nil
		}
	}

	return nil, fmt.Errorf("route %s not found in configuration", pattern)
}

// mergeValues returns the union of both lists, keeping the order of first
// appearance.
func mergeValues(defaultValues, routeValues []string) []string {
	valueSet := make(map[string]struct{}, len(defaultValues)+len(routeValues))
	merged := make([]string, 0, len(defaultValues)+len(routeValues))

	for _, values := range [][]string{defaultValues, routeValues} {
		for _, value := range values {
			if _, ok := valueSet[value]; ok {
				continue
			}
			valueSet[value] = struct{}{}
			merged = append(merged, value)
		}
	}

	return merged
}
