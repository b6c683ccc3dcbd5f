package util

import (
	"regexp"
	"strconv"
	"strings"
)

var sanitizeRegexp = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeForName converts a node name into a string usable as a file or
// folder name inside an update package.
// "ECU 1/Main" -> "ECU_1_Main", "gw.eth" -> "gw_eth"
func SanitizeForName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = sanitizeRegexp.ReplaceAllString(name, "")
	if name == "" {
		return "node"
	}
	return name
}

// UniqueName returns name, or name with a numeric suffix if it is already
// present in taken. The returned name is added to taken.
func UniqueName(name string, taken map[string]bool) string {
	candidate := name
	for i := 2; taken[strings.ToLower(candidate)]; i++ {
		candidate = name + "_" + strconv.Itoa(i)
	}
	taken[strings.ToLower(candidate)] = true
	return candidate
}

// SplitCommaSeparated splits a comma-separated string and trims whitespace from each element.
// Empty input returns nil.
func SplitCommaSeparated(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
