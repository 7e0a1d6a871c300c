package config

// RoutePermissions is the route permission file: every route listed is
// exposed by the gateway, and requires the union of the default and the
// route's own permissions.
type RoutePermissions struct {
	Default DefaultPolicy `yaml:"default"`
	Routes  []Route       `yaml:"routes"`
}

type DefaultPolicy struct {
	Permissions []string `yaml:"permissions"`
}

type Route struct {
	// Pattern is an http.ServeMux pattern, e.g. "GET /documents/{id}".
	Pattern     string   `yaml:"pattern"`
	Permissions []string `yaml:"permissions,omitempty"`
}
