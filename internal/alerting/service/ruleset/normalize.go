package ruleset

import (
	"sort"
	"strings"
)

// NormalizeLabels lowercases and trims keys, applies aliases and drops empty values.
// The input is not mutated.
func NormalizeLabels(in LabelMap, aliasMap map[string]string) LabelMap {
	out := make(LabelMap, len(in))
	for rawKey, rawVal := range in {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if canonical, ok := aliasMap[key]; ok && strings.TrimSpace(canonical) != "" {
			key = strings.ToLower(strings.TrimSpace(canonical))
		}
		val := strings.TrimSpace(rawVal)
		if key == "" || val == "" {
			continue
		}
		out[key] = val
	}
	return out
}

// CanonicalLabelKey renders labels as sorted key=value pairs joined by '|', "{}" when empty.
func CanonicalLabelKey(labels LabelMap) string {
	if len(labels) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + labels[k]
	}
	return strings.Join(parts, "|")
}

// Fingerprint identifies "the same problem" for delivery dedup. An explicit fingerprint wins.
func Fingerprint(ev DomainEvent) string {
	if fp := strings.TrimSpace(ev.Fingerprint); fp != "" {
		return fp
	}
	return ev.EventType + "|" + ev.Source + "|" + CanonicalLabelKey(ev.Labels)
}
