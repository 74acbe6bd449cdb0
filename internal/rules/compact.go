package rules

import "sort"

// Compact merges grouped rule rows into a resource type to verb set
// mapping. Verb sets are unioned and deduplicated, resource types whose
// verb set ends up empty are dropped, and empty input yields an empty
// map. Verbs come back sorted so responses are stable.
func Compact(groups []Group) map[string][]string {
	compiled := make(map[string][]string)
	seen := make(map[string]map[string]struct{})
	for _, group := range groups {
		if group.ResourceType == "" {
			continue
		}
		set, ok := seen[group.ResourceType]
		if !ok {
			set = make(map[string]struct{})
			seen[group.ResourceType] = set
		}
		for _, verb := range group.Verbs {
			if verb == "" {
				continue
			}
			set[verb] = struct{}{}
		}
	}
	for resourceType, set := range seen {
		if len(set) == 0 {
			continue
		}
		verbs := make([]string, 0, len(set))
		for verb := range set {
			verbs = append(verbs, verb)
		}
		sort.Strings(verbs)
		compiled[resourceType] = verbs
	}
	return compiled
}

// MergeCompiled unions b into a per resource type, verb sets merged
// rather than replaced.
func MergeCompiled(a, b map[string][]string) map[string][]string {
	groups := make([]Group, 0, len(a)+len(b))
	for resourceType, verbs := range a {
		groups = append(groups, Group{ResourceType: resourceType, Verbs: verbs})
	}
	for resourceType, verbs := range b {
		groups = append(groups, Group{ResourceType: resourceType, Verbs: verbs})
	}
	return Compact(groups)
}
