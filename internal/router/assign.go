package router

import "strings"

// AssignTable maps lowercase tag keywords to agent ids. It is the fixed
// fallback used when a queued task names no owner and its event carries no
// agent hint.
type AssignTable map[string]string

// DefaultAssignTable routes the conventional tag vocabulary to the two
// stock agents. Deployments override this from config.
func DefaultAssignTable() AssignTable {
	return AssignTable{
		"backend":  "backend-agent",
		"api":      "backend-agent",
		"server":   "backend-agent",
		"frontend": "frontend-agent",
		"ui":       "frontend-agent",
		"design":   "frontend-agent",
	}
}

// ResolveByTags returns the agent mapped to the first matching tag, in tag
// order, or "" when nothing matches. Matching is case-insensitive. Pure
// function: same tags and table always produce the same answer.
func ResolveByTags(tags []string, table AssignTable) string {
	for _, tag := range tags {
		if agent, ok := table[strings.ToLower(strings.TrimSpace(tag))]; ok {
			return agent
		}
	}
	return ""
}
