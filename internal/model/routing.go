package model

// MatchType selects how an outer routing rule compares paths.
type MatchType string

const (
	MatchPrefix MatchType = "prefix"
	MatchExact  MatchType = "exact"
	MatchRegex  MatchType = "regex"
)

// TargetType selects the pipeline a matched request enters.
type TargetType string

const (
	TargetAPI    TargetType = "api"
	TargetStatic TargetType = "static"
)

// RoutingConfig is the ordered outer routing table of an app.
type RoutingConfig struct {
	Routes []RoutingConfigRoute `json:"routes,omitempty"`
}

// RoutingConfigRoute is one outer routing rule. A nil Priority sorts
// after every explicit priority.
type RoutingConfigRoute struct {
	Name     string      `json:"name,omitempty"`
	Priority *int        `json:"priority,omitempty"`
	Match    RouteMatch  `json:"match"`
	Target   RouteTarget `json:"target"`
}

// RouteMatch describes which request paths a rule accepts.
type RouteMatch struct {
	Type MatchType `json:"type"`
	Path string    `json:"path"`
}

// RouteTarget describes where a matched request goes and how its path
// is transformed on the way.
type RouteTarget struct {
	Type        TargetType `json:"type"`
	StripPrefix bool       `json:"strip_prefix,omitempty"`
	Rewrite     *string    `json:"rewrite,omitempty"`
	Fallback    *string    `json:"fallback,omitempty"`
}

// DefaultRoutingConfig is used for apps without routing rules:
// /api goes to the API pipeline, everything else to the SPA bundle.
func DefaultRoutingConfig() RoutingConfig {
	one, two := 1, 2
	fallback := "/index.html"
	return RoutingConfig{Routes: []RoutingConfigRoute{
		{
			Name:     "api",
			Priority: &one,
			Match:    RouteMatch{Type: MatchPrefix, Path: "/api"},
			Target:   RouteTarget{Type: TargetAPI},
		},
		{
			Name:     "spa",
			Priority: &two,
			Match:    RouteMatch{Type: MatchPrefix, Path: "/"},
			Target:   RouteTarget{Type: TargetStatic, Fallback: &fallback},
		},
	}}
}
