package migrate

import (
	"regexp"
	"sort"
	"strings"
)

// fullyQualifiedRef matches backtick-quoted `project.dataset.table`
// references remaining in query or routine text.
var fullyQualifiedRef = regexp.MustCompile("`([^`]+)\\.\\w+\\.\\w+`")

// StripProjectQualifier removes every "{projectID}." qualifier from query
// or routine text. References are left unqualified rather than rewritten,
// so a later import binds them to whichever project performs it.
func StripProjectQualifier(text, projectID string) string {
	return strings.ReplaceAll(text, projectID+".", "")
}

// CrossProjectRefs returns the distinct project ids of fully-qualified
// references still present in text, sorted. Anything reported here points
// at another project that must exist before an import can succeed.
func CrossProjectRefs(text string) []string {
	seen := make(map[string]struct{})
	for _, m := range fullyQualifiedRef.FindAllStringSubmatch(text, -1) {
		seen[m[1]] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
