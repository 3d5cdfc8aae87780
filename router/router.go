// Package router classifies incoming caller requests against an ordered rule
// table. The first matching rule wins; requests no rule matches pass through
// to the legacy platform untouched.
package router

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/hemlock-io/relay/cfg"
	"github.com/hemlock-io/relay/event"
)

// Classification decides which backend serves a request
type Classification string

const (
	Read        Classification = "read"
	Write       Classification = "write"
	PassThrough Classification = "passthrough"
)

// Rule is one compiled routing rule
type Rule struct {
	Method         string // empty matches any method
	Pattern        string
	Classification Classification
	Kind           event.Kind // entity kind for read/write rules
	Operation      string     // engine operation name for write rules

	g glob.Glob
}

// Router holds the compiled, ordered rule table
type Router struct {
	rules []Rule
}

// New compiles the configured rules in order
// Path patterns use glob syntax with "/" as separator, so "*" does not cross segments
func New(routes []cfg.RouteConfiguration) (*Router, error) {
	rules := make([]Rule, 0, len(routes))

	for i, rc := range routes {
		g, err := glob.Compile(rc.Pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid route pattern %q at index %d: %w", rc.Pattern, i, err)
		}

		rule := Rule{
			Method:         strings.ToUpper(rc.Method),
			Pattern:        rc.Pattern,
			Classification: Classification(rc.Classification),
			Operation:      rc.Operation,
			g:              g,
		}

		if rule.Classification != PassThrough {
			kind, err := event.ParseKind(rc.Kind)
			if err != nil {
				return nil, fmt.Errorf("route pattern %q at index %d: %w", rc.Pattern, i, err)
			}
			rule.Kind = kind
		}

		rules = append(rules, rule)
	}

	return &Router{rules: rules}, nil
}

// Classify matches a request against the rule table in order. The first match
// wins. Requests no rule matches pass through so the bridge never breaks a
// caller it does not understand.
func (r *Router) Classify(method, path string) (Classification, *Rule) {
	method = strings.ToUpper(method)

	for i := range r.rules {
		rule := &r.rules[i]
		if rule.Method != "" && rule.Method != method {
			continue
		}
		if rule.g.Match(path) {
			return rule.Classification, rule
		}
	}

	return PassThrough, nil
}

// Rules returns the compiled rule table in evaluation order
func (r *Router) Rules() []Rule {
	return r.rules
}
