package config

func NewDefaultRoutePermissions() *RoutePermissions {
	return &RoutePermissions{
		Default: DefaultPolicy{
			Permissions: []string{},
		},
		Routes: []Route{},
	}
}
