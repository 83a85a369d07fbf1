// Package router resolves request paths against an app's routing rules.
//
// Resolution has two stages. The outer Table picks a target pipeline
// (API or static bundle) from priority-ordered prefix, exact and regex
// rules and may rewrite the path. The APITable then matches method and
// path against the app's API route templates.
package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/wudi/appgate/internal/model"
)

// Rule is a compiled outer routing rule.
type Rule struct {
	Name     string
	Priority *int
	Match    model.RouteMatch
	Target   model.RouteTarget

	regex     *regexp.Regexp
	configIdx int // declaration order for tie-breaking
}

// Resolution is the outcome of an outer match.
type Resolution struct {
	Rule *Rule
	// Path is the path handed to the target pipeline after stripPrefix
	// and rewrite have been applied.
	Path string
}

// Fallback returns the rule's fallback path, or "".
func (r *Resolution) Fallback() string {
	if r.Rule.Target.Fallback == nil {
		return ""
	}
	return *r.Rule.Target.Fallback
}

// Table is an ordered, compiled RoutingConfig.
type Table struct {
	rules []*Rule
}

// Compile orders rules by ascending priority, unset priorities last,
// declaration order breaking ties.
func Compile(rc model.RoutingConfig) (*Table, error) {
	rules := make([]*Rule, 0, len(rc.Routes))
	for i, rt := range rc.Routes {
		r := &Rule{
			Name:      rt.Name,
			Priority:  rt.Priority,
			Match:     rt.Match,
			Target:    rt.Target,
			configIdx: i,
		}
		switch rt.Match.Type {
		case model.MatchPrefix, model.MatchExact:
		case model.MatchRegex:
			re, err := regexp.Compile("(?i)" + rt.Match.Path)
			if err != nil {
				return nil, fmt.Errorf("router: rule %d (%s): invalid regex: %w", i, rt.Name, err)
			}
			r.regex = re
		default:
			return nil, fmt.Errorf("router: rule %d (%s): unknown match type %q", i, rt.Name, rt.Match.Type)
		}
		switch rt.Target.Type {
		case model.TargetAPI, model.TargetStatic:
		default:
			return nil, fmt.Errorf("router: rule %d (%s): unknown target type %q", i, rt.Name, rt.Target.Type)
		}
		rules = append(rules, r)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		pi, pj := rules[i].Priority, rules[j].Priority
		switch {
		case pi == nil && pj == nil:
			return rules[i].configIdx < rules[j].configIdx
		case pi == nil:
			return false
		case pj == nil:
			return true
		case *pi != *pj:
			return *pi < *pj
		}
		return rules[i].configIdx < rules[j].configIdx
	})

	return &Table{rules: rules}, nil
}

// Rules returns the rules in evaluation order.
func (t *Table) Rules() []*Rule {
	return t.rules
}

// Match returns the first rule accepting path.
func (t *Table) Match(path string) (*Resolution, bool) {
	for _, r := range t.rules {
		end, ok := r.matchEnd(path)
		if !ok {
			continue
		}
		return &Resolution{Rule: r, Path: r.transform(path, end)}, true
	}
	return nil, false
}

// matchEnd reports whether the rule accepts path and, when the match
// is anchored at the start, how many bytes of path it covered. end is
// -1 when there is no strippable prefix.
func (r *Rule) matchEnd(path string) (int, bool) {
	switch r.Match.Type {
	case model.MatchPrefix:
		p := r.Match.Path
		if len(path) >= len(p) && strings.EqualFold(path[:len(p)], p) {
			return len(p), true
		}
	case model.MatchExact:
		if strings.EqualFold(path, r.Match.Path) {
			return len(path), true
		}
	case model.MatchRegex:
		loc := r.regex.FindStringIndex(path)
		if loc == nil {
			return 0, false
		}
		if loc[0] != 0 {
			return -1, true
		}
		return loc[1], true
	}
	return 0, false
}

// transform applies strip_prefix and rewrite. Static targets always see
// the original path.
func (r *Rule) transform(path string, end int) string {
	if r.Target.Type != model.TargetAPI {
		return path
	}
	if r.Target.Rewrite != nil {
		return ensureLeadingSlash(*r.Target.Rewrite)
	}
	if r.Target.StripPrefix && end >= 0 {
		return ensureLeadingSlash(path[end:])
	}
	return path
}

func ensureLeadingSlash(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}
