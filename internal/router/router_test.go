package router

import (
	"errors"
	"testing"

	"github.com/wudi/appgate/internal/model"
)

func prio(n int) *int { return &n }

func str(s string) *string { return &s }

func TestPriorityOrder(t *testing.T) {
	table, err := Compile(model.RoutingConfig{Routes: []model.RoutingConfigRoute{
		{Name: "two", Priority: prio(2), Match: model.RouteMatch{Type: model.MatchPrefix, Path: "/"}, Target: model.RouteTarget{Type: model.TargetStatic}},
		{Name: "one", Priority: prio(1), Match: model.RouteMatch{Type: model.MatchPrefix, Path: "/"}, Target: model.RouteTarget{Type: model.TargetAPI}},
		{Name: "three", Priority: prio(3), Match: model.RouteMatch{Type: model.MatchPrefix, Path: "/"}, Target: model.RouteTarget{Type: model.TargetStatic}},
	}})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	res, ok := table.Match("/anything")
	if !ok {
		t.Fatal("expected a match")
	}
	if res.Rule.Name != "one" {
		t.Errorf("matched %q, want the priority-1 rule", res.Rule.Name)
	}
}

func TestUnsetPrioritySortsLast(t *testing.T) {
	table, err := Compile(model.RoutingConfig{Routes: []model.RoutingConfigRoute{
		{Name: "unset", Match: model.RouteMatch{Type: model.MatchPrefix, Path: "/"}, Target: model.RouteTarget{Type: model.TargetAPI}},
		{Name: "hundred", Priority: prio(100), Match: model.RouteMatch{Type: model.MatchPrefix, Path: "/"}, Target: model.RouteTarget{Type: model.TargetAPI}},
		{Name: "unset-2", Match: model.RouteMatch{Type: model.MatchPrefix, Path: "/"}, Target: model.RouteTarget{Type: model.TargetAPI}},
	}})
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, r := range table.Rules() {
		names = append(names, r.Name)
	}
	want := []string{"hundred", "unset", "unset-2"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}
}

func TestOuterMatchTypes(t *testing.T) {
	table, err := Compile(model.RoutingConfig{Routes: []model.RoutingConfigRoute{
		{Name: "exact", Priority: prio(1), Match: model.RouteMatch{Type: model.MatchExact, Path: "/Login"}, Target: model.RouteTarget{Type: model.TargetStatic, Rewrite: str("/login.html")}},
		{Name: "status", Priority: prio(1), Match: model.RouteMatch{Type: model.MatchExact, Path: "/healthz"}, Target: model.RouteTarget{Type: model.TargetAPI, Rewrite: str("status")}},
		{Name: "assets", Priority: prio(2), Match: model.RouteMatch{Type: model.MatchPrefix, Path: "/static"}, Target: model.RouteTarget{Type: model.TargetStatic, StripPrefix: true}},
		{Name: "regex", Priority: prio(2), Match: model.RouteMatch{Type: model.MatchRegex, Path: `^/v[0-9]+/`}, Target: model.RouteTarget{Type: model.TargetAPI, StripPrefix: true}},
		{Name: "api", Priority: prio(3), Match: model.RouteMatch{Type: model.MatchPrefix, Path: "/api"}, Target: model.RouteTarget{Type: model.TargetAPI, StripPrefix: true}},
	}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path     string
		wantRule string
		wantPath string
	}{
		{"/login", "exact", "/login"},
		{"/LOGIN", "exact", "/LOGIN"},
		{"/healthz", "status", "/status"},
		{"/static/app.js", "assets", "/static/app.js"},
		{"/V2/users", "regex", "/users"},
		{"/api/hello", "api", "/hello"},
		{"/API/hello", "api", "/hello"},
		{"/api", "api", "/"},
		{"/apixyz", "api", "/xyz"},
		{"/other", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			res, ok := table.Match(tt.path)
			if tt.wantRule == "" {
				if ok {
					t.Fatalf("expected no match, got %q", res.Rule.Name)
				}
				return
			}
			if !ok {
				t.Fatal("expected a match")
			}
			if res.Rule.Name != tt.wantRule {
				t.Errorf("rule = %q, want %q", res.Rule.Name, tt.wantRule)
			}
			if res.Path != tt.wantPath {
				t.Errorf("path = %q, want %q", res.Path, tt.wantPath)
			}
		})
	}
}

func TestUnanchoredRegexKeepsPath(t *testing.T) {
	table, _ := Compile(model.RoutingConfig{Routes: []model.RoutingConfigRoute{
		{Match: model.RouteMatch{Type: model.MatchRegex, Path: `\.php$`}, Target: model.RouteTarget{Type: model.TargetAPI, StripPrefix: true}},
	}})
	res, ok := table.Match("/index.php")
	if !ok {
		t.Fatal("expected a match")
	}
	if res.Path != "/index.php" {
		t.Errorf("path = %q, want it unchanged", res.Path)
	}
}

func TestDefaultRoutingConfig(t *testing.T) {
	table, err := Compile(model.DefaultRoutingConfig())
	if err != nil {
		t.Fatal(err)
	}

	res, ok := table.Match("/api/hello")
	if !ok || res.Rule.Target.Type != model.TargetAPI {
		t.Fatalf("/api/hello should go to the API pipeline")
	}
	if res.Path != "/api/hello" {
		t.Errorf("default api rule should not strip, got %q", res.Path)
	}

	res, ok = table.Match("/dashboard")
	if !ok || res.Rule.Target.Type != model.TargetStatic {
		t.Fatal("/dashboard should go to the static pipeline")
	}
	if res.Fallback() != "/index.html" {
		t.Errorf("fallback = %q, want /index.html", res.Fallback())
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []model.RoutingConfigRoute{
		{Match: model.RouteMatch{Type: model.MatchRegex, Path: "(["}, Target: model.RouteTarget{Type: model.TargetAPI}},
		{Match: model.RouteMatch{Type: "glob", Path: "/*"}, Target: model.RouteTarget{Type: model.TargetAPI}},
		{Match: model.RouteMatch{Type: model.MatchPrefix, Path: "/"}, Target: model.RouteTarget{Type: "proxy"}},
	}
	for i, rt := range tests {
		if _, err := Compile(model.RoutingConfig{Routes: []model.RoutingConfigRoute{rt}}); err == nil {
			t.Errorf("case %d: expected compile error", i)
		}
	}
}

func TestAPIMatch(t *testing.T) {
	table, err := CompileAPI([]model.ApiRouteSummary{
		{ID: "list", Method: "GET", Path: "/users"},
		{ID: "get", Method: "GET", Path: "/users/{id}"},
		{ID: "any", Method: "ANY", Path: "/echo"},
		{ID: "files", Method: "GET", Path: "/files/{*rest}"},
	})
	if err != nil {
		t.Fatalf("CompileAPI failed: %v", err)
	}

	tests := []struct {
		method     string
		path       string
		wantRoute  string
		wantParams map[string]string
		wantErr    error
	}{
		{"GET", "/users", "list", nil, nil},
		{"get", "/Users/", "list", nil, nil},
		{"GET", "/users/42", "get", map[string]string{"id": "42"}, nil},
		{"POST", "/users/42", "", nil, ErrNoRoute},
		{"DELETE", "/echo", "any", nil, nil},
		{"PATCH", "/echo", "any", nil, nil},
		{"GET", "/files/a/b/c.txt", "files", map[string]string{"rest": "a/b/c.txt"}, nil},
		{"GET", "/files", "files", map[string]string{"rest": ""}, nil},
		{"GET", "/nothing", "", nil, ErrNoRoute},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			m, err := table.Match(tt.method, tt.path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.Route.ID != tt.wantRoute {
				t.Errorf("route = %q, want %q", m.Route.ID, tt.wantRoute)
			}
			for k, v := range tt.wantParams {
				if m.Params[k] != v {
					t.Errorf("param %s = %q, want %q", k, m.Params[k], v)
				}
			}
		})
	}
}

func TestAPIAmbiguousMatch(t *testing.T) {
	table, err := CompileAPI([]model.ApiRouteSummary{
		{ID: "a", Method: "GET", Path: "/items/{id}"},
		{ID: "b", Method: "GET", Path: "/items/{name}"},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = table.Match("GET", "/items/7")
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("err = %v, want ErrAmbiguous", err)
	}
}

func TestAPIAnyOverlapsSpecificMethod(t *testing.T) {
	table, _ := CompileAPI([]model.ApiRouteSummary{
		{ID: "get", Method: "GET", Path: "/hello"},
		{ID: "any", Method: "ANY", Path: "/hello"},
	})

	if _, err := table.Match("GET", "/hello"); !errors.Is(err, ErrAmbiguous) {
		t.Errorf("GET err = %v, want ErrAmbiguous", err)
	}
	m, err := table.Match("POST", "/hello")
	if err != nil || m.Route.ID != "any" {
		t.Errorf("POST = %v, %v; want the ANY route", m, err)
	}
}

func TestCompileAPIErrors(t *testing.T) {
	bad := []string{"/files/{*rest}/more", "/users/{}", "/a{b}", "/files/{*}"}
	for _, p := range bad {
		if _, err := CompileAPI([]model.ApiRouteSummary{{ID: "x", Method: "GET", Path: p}}); err == nil {
			t.Errorf("CompileAPI(%q) should fail", p)
		}
	}
}

func TestCacheReusesCompiledTables(t *testing.T) {
	c := NewCache(4)
	sp := &model.AppSpecification{ID: "app-1", Version: 1}

	a, err := c.Get(sp)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := c.Get(sp)
	if a != b {
		t.Error("same revision should reuse compiled tables")
	}

	// Republished with the same Version: still a different decoded value.
	next := &model.AppSpecification{ID: "app-1", Version: 1}
	d, _ := c.Get(next)
	if d == a {
		t.Error("republished spec should compile new tables")
	}
}
