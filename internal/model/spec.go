// Package model holds the tenant data the gateway reads: published app
// specifications, immutable deployments, and the records it produces.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// AppState is the lifecycle state of an app.
type AppState string

const (
	AppStateActive   AppState = "active"
	AppStateDisabled AppState = "disabled"
	AppStateDeleted  AppState = "deleted"
)

// DefaultExecutionTimeout applies when a tenant does not set one.
const DefaultExecutionTimeout = 10 * time.Second

// AppSpecification is the published, immutable description of one tenant.
// A change is published as a new value under the same cache keys.
type AppSpecification struct {
	ID                    string            `json:"id"`
	Slug                  string            `json:"slug"`
	OwnerID               string            `json:"owner_id"`
	Version               int64             `json:"version"`
	State                 AppState          `json:"state"`
	ActiveSPADeploymentID *string           `json:"active_spa_deployment_id,omitempty"`
	ActiveAPIDeploymentID *string           `json:"active_api_deployment_id,omitempty"`
	CORS                  CORSSettings      `json:"cors"`
	Routing               RoutingConfig     `json:"routing"`
	Runtime               RuntimeSettings   `json:"runtime"`
	AuthSchemes           []AuthScheme      `json:"auth_schemes,omitempty"`
	Variables             map[string]string `json:"variables,omitempty"`
	APIRoutes             []ApiRouteSummary `json:"api_routes,omitempty"`
	CustomDomains         []string          `json:"custom_domains,omitempty"`
}

// Active reports whether the app may serve traffic.
func (s *AppSpecification) Active() bool {
	return s.State == "" || s.State == AppStateActive
}

// EffectiveRouting returns the tenant's routing rules, or the default
// rules when none are configured.
func (s *AppSpecification) EffectiveRouting() RoutingConfig {
	if len(s.Routing.Routes) == 0 {
		return DefaultRoutingConfig()
	}
	return s.Routing
}

// ExecutionTimeout returns the per-invocation timeout.
func (s *AppSpecification) ExecutionTimeout() time.Duration {
	if s.Runtime.ExecutionTimeoutSeconds <= 0 {
		return DefaultExecutionTimeout
	}
	return time.Duration(s.Runtime.ExecutionTimeoutSeconds * float64(time.Second))
}

// RuntimeSettings bounds function execution for a tenant.
type RuntimeSettings struct {
	ExecutionTimeoutSeconds float64 `json:"execution_timeout_seconds,omitempty"`
	MemoryMB                int64   `json:"memory_mb,omitempty"`
	CPUs                    float64 `json:"cpus,omitempty"`
}

// CORSSettings configures cross-origin handling for a tenant.
type CORSSettings struct {
	Enabled          bool     `json:"enabled"`
	AllowOrigins     []string `json:"allow_origins,omitempty"`
	AllowMethods     []string `json:"allow_methods,omitempty"`
	AllowHeaders     []string `json:"allow_headers,omitempty"`
	ExposeHeaders    []string `json:"expose_headers,omitempty"`
	AllowCredentials bool     `json:"allow_credentials,omitempty"`
	MaxAge           int      `json:"max_age,omitempty"`
}

// AuthSchemeType identifies a credential scheme.
type AuthSchemeType string

const (
	AuthSchemeOIDC      AuthSchemeType = "oidc"
	AuthSchemeStaticKey AuthSchemeType = "static_key"
)

// AuthScheme is one configured way of authenticating callers.
type AuthScheme struct {
	Name      string           `json:"name"`
	Type      AuthSchemeType   `json:"type"`
	OIDC      *OIDCScheme      `json:"oidc,omitempty"`
	StaticKey *StaticKeyScheme `json:"static_key,omitempty"`
}

// OIDCScheme validates bearer tokens issued by an identity provider.
type OIDCScheme struct {
	Issuer   string `json:"issuer"`
	Audience string `json:"audience,omitempty"`
	JWKSURI  string `json:"jwks_uri,omitempty"`
}

// StaticKeyScheme validates opaque keys against tenant-scoped records.
type StaticKeyScheme struct {
	Header string `json:"header,omitempty"`
}

// ResponseType selects the handler that produces a route's response.
type ResponseType string

const (
	ResponseStatic   ResponseType = "static"
	ResponseFunction ResponseType = "function"
)

// MethodAny matches every HTTP method.
const MethodAny = "ANY"

// ApiRouteSummary is the routing-relevant part of an API route.
type ApiRouteSummary struct {
	ID           string       `json:"id"`
	Method       string       `json:"method"`
	Path         string       `json:"path"`
	ResponseType ResponseType `json:"response_type"`
}

// RuntimeType names a function runtime.
type RuntimeType string

// ApiRouteMetadata is the per-route payload stored with a deployment.
type ApiRouteMetadata struct {
	StatusCode           int               `json:"status_code,omitempty"`
	Headers              map[string]string `json:"headers,omitempty"`
	RequestSchemas       RequestSchemas    `json:"request_schemas,omitempty"`
	RequireAuthorization bool              `json:"require_authorization,omitempty"`
	Runtime              RuntimeType       `json:"runtime,omitempty"`
}

// RequestSchemas holds JSON schemas checked before dispatch.
type RequestSchemas struct {
	Body json.RawMessage `json:"body,omitempty"`
}

// Status returns the configured status, defaulting to 200.
func (m *ApiRouteMetadata) Status() int {
	if m.StatusCode == 0 {
		return 200
	}
	return m.StatusCode
}

// NormalizeHost lowercases a host and strips any port.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i > 0 {
			return host[:i+1]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}
