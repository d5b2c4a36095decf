package governance

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Every validator of a subject re-evaluates its rules, so a rule whose
// result depends on the node it runs on would split the quorum. Rules may
// not read clocks, randomness or regular expressions, and may not switch on
// runtime types.
var (
	nondeterministicCalls = []string{
		"now", "timestamp", "duration", "random", "uuid", "matches",
		"getDate", "getDayOfMonth", "getDayOfWeek", "getDayOfYear", "getFullYear",
		"getHours", "getMilliseconds", "getMinutes", "getMonth", "getSeconds",
		"type", "dyn",
	}
	bannedRuleTypes = []string{"double", "float"}

	callPatterns = compileCallPatterns(nondeterministicCalls)
	typePatterns = compileTypePatterns(bannedRuleTypes)
)

// RuleIssue describes why a rule cannot be evaluated deterministically.
type RuleIssue struct {
	Kind string `json:"kind"` // "call" or "type"
	Name string `json:"name"`
}

func (i RuleIssue) String() string {
	if i.Kind == "type" {
		return fmt.Sprintf("type %q is not allowed, use int or uint", i.Name)
	}
	return fmt.Sprintf("call to %q is not allowed", i.Name)
}

// DeterminismIssues lists the features of expr that could evaluate
// differently on two validators. It returns nil for a deterministic rule.
func DeterminismIssues(expr string) []RuleIssue {
	var issues []RuleIssue
	for _, name := range nondeterministicCalls {
		if callPatterns[name].MatchString(expr) {
			issues = append(issues, RuleIssue{Kind: "call", Name: name})
		}
	}
	for _, name := range bannedRuleTypes {
		if typePatterns[name].MatchString(expr) {
			issues = append(issues, RuleIssue{Kind: "type", Name: name})
		}
	}
	return issues
}

func checkDeterministic(expr string) error {
	issues := DeterminismIssues(expr)
	if len(issues) == 0 {
		return nil
	}
	msgs := make([]string, len(issues))
	for i, is := range issues {
		msgs[i] = is.String()
	}
	sort.Strings(msgs)
	return fmt.Errorf("nondeterministic rule: %s", strings.Join(msgs, "; "))
}

func compileCallPatterns(names []string) map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(names))
	for _, n := range names {
		out[n] = regexp.MustCompile(`\b` + regexp.QuoteMeta(n) + `\s*\(`)
	}
	return out
}

func compileTypePatterns(names []string) map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(names))
	for _, n := range names {
		out[n] = regexp.MustCompile(`\b` + regexp.QuoteMeta(n) + `\b`)
	}
	return out
}
