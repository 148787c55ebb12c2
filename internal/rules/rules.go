// Package rules implements the collection-rule matcher: it classifies a
// request as capture-eligible and, if so, replay-eligible.
package rules

import (
	"regexp"
	"strings"

	"sidecarcapture/internal/config"
)

// Verdict is the two-bit classification produced for one request.
type Verdict struct {
	Capture bool
	Replay  bool
}

// Matcher evaluates a compiled rule set against request metadata.
type Matcher struct {
	rules         []config.CompiledRule
	replayEnabled bool
}

func New(cfg *config.Config) *Matcher {
	if cfg == nil {
		return &Matcher{}
	}
	return &Matcher{
		rules:         cfg.RulesForDirection(),
		replayEnabled: cfg.ReplayEnabled,
	}
}

// Match evaluates the rule set in declared order; the first rule whose
// host/path/method all match wins. An empty rule set captures everything.
// Replay is only ever true when the capture verdict is also true and the
// plugin-wide replay flag is enabled.
func (m *Matcher) Match(host, path, method string) Verdict {
	if m == nil || len(m.rules) == 0 {
		return Verdict{Capture: true, Replay: m != nil && m.replayEnabled}
	}

	method = strings.ToUpper(method)
	for _, rule := range m.rules {
		if rule.HostRegexp != nil && !rule.HostRegexp.MatchString(host) {
			continue
		}
		if len(rule.PathRegexp) > 0 && !anyPathMatches(rule.PathRegexp, path) {
			continue
		}
		if rule.Methods != nil && !rule.Methods[method] {
			continue
		}

		if rule.Exclude {
			return Verdict{Capture: false, Replay: false}
		}
		return Verdict{Capture: true, Replay: m.replayEnabled}
	}

	return Verdict{Capture: false, Replay: false}
}

func anyPathMatches(patterns []*regexp.Regexp, path string) bool {
	for _, p := range patterns {
		if p.MatchString(path) {
			return true
		}
	}
	return false
}
