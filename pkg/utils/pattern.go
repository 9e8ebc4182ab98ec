// Package utils provides pattern matching utilities for rule-type filtering.
//
// Invalidation requests may name rule types by pattern rather than exactly,
// so one manual clear can cover a whole detector family:
//   - Exact match: "aws_guardduty" matches only "aws_guardduty"
//   - Prefix match: "aws_*" matches "aws_guardduty", "aws_cloudtrail", etc.
//   - Simple wildcard: "*_audit" matches "gcp_audit", "azure_audit"
//   - Regex fallback: Complex patterns compile to regex with caching
//
// Design Notes:
//   - Prefix matching is O(1) per rule type (fast path)
//   - Regex patterns are compiled once and cached in sync.Map
//   - Thread-safe via sync.Map for the regex cache
//
// Trade-offs:
//   - Prefix match: O(n) for scanning rule types but O(1) per check
//   - Regex compile: One-time cost O(k) where k = pattern length
//   - Memory: Unbounded regex cache; the rule-type namespace is small and
//     operator-controlled, so growth is bounded in practice
package utils

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// regexCache caches compiled regular expressions to avoid recompilation.
// Key: pattern string, Value: *regexp.Regexp
var regexCache sync.Map

// IsWildcard reports whether the pattern contains glob metacharacters and
// therefore needs pattern matching rather than an exact comparison.
func IsWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// MatchPattern checks if a rule type matches the given pattern.
//
// Pattern syntax:
//   - Exact: "aws_guardduty" matches only "aws_guardduty"
//   - Prefix: "aws_*" matches any rule type starting with "aws_"
//   - Wildcard: "*" matches everything
//   - Regex: Complex patterns fall back to regex (e.g., "rule_[0-9]+")
//
// Returns:
//   - match: true if the rule type matches the pattern
//   - error: if the pattern is invalid regex
//
// Performance:
//   - Exact match: O(1)
//   - Prefix match: O(n) where n = len(prefix)
//   - Regex match: O(m) where m = len(ruleType), one-time compile cost
func MatchPattern(pattern, ruleType string) (bool, error) {
	if pattern == "" {
		return false, fmt.Errorf("pattern cannot be empty")
	}

	// Fast path: exact match
	if pattern == ruleType {
		return true, nil
	}

	// Fast path: prefix match (most common case for detector families)
	// Pattern "aws_*" matches any rule type starting with "aws_"
	if strings.HasSuffix(pattern, "*") && !strings.Contains(pattern[:len(pattern)-1], "*") {
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(ruleType, prefix), nil
	}

	// Fast path: single wildcard match-all
	if pattern == "*" {
		return true, nil
	}

	// Regex fallback for complex patterns
	regexPattern := pattern
	if IsWildcard(pattern) {
		regexPattern = globToRegex(pattern)
	}

	// Check cache for compiled regex
	cached, ok := regexCache.Load(regexPattern)
	var re *regexp.Regexp
	if ok {
		re = cached.(*regexp.Regexp)
	} else {
		var err error
		re, err = regexp.Compile("^" + regexPattern + "$")
		if err != nil {
			return false, fmt.Errorf("invalid pattern regex: %w", err)
		}
		regexCache.Store(regexPattern, re)
	}

	return re.MatchString(ruleType), nil
}

// FilterMatching returns all rule types matching the given pattern.
//
// Performance:
//   - Prefix: O(n) where n = len(ruleTypes)
//   - Regex: O(n * m) where n = len(ruleTypes), m = avg rule type length
func FilterMatching(pattern string, ruleTypes []string) ([]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	// Fast path: match all
	if pattern == "*" {
		result := make([]string, len(ruleTypes))
		copy(result, ruleTypes)
		return result, nil
	}

	// Fast path: prefix match
	if strings.HasSuffix(pattern, "*") && !strings.Contains(pattern[:len(pattern)-1], "*") {
		prefix := pattern[:len(pattern)-1]
		result := make([]string, 0, len(ruleTypes))

		for _, rt := range ruleTypes {
			if strings.HasPrefix(rt, prefix) {
				result = append(result, rt)
			}
		}
		return result, nil
	}

	// Regex fallback
	result := make([]string, 0, len(ruleTypes))
	for _, rt := range ruleTypes {
		match, err := MatchPattern(pattern, rt)
		if err != nil {
			return nil, err
		}
		if match {
			result = append(result, rt)
		}
	}

	return result, nil
}

// globToRegex converts a simple glob pattern to regex.
// Supports:
//   - * = match any characters (.*)
//   - ? = match single character (.)
//   - Other chars = literal match (escaped)
//
// Example: "aws_*_audit" -> "aws_.*_audit"
func globToRegex(pattern string) string {
	var result strings.Builder
	result.Grow(len(pattern) * 2)

	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			result.WriteString(".*")
		case '?':
			result.WriteString(".")
		case '.', '+', '(', ')', '|', '[', ']', '{', '}', '^', '$', '\\':
			// Escape regex special chars
			result.WriteByte('\\')
			result.WriteByte(ch)
		default:
			result.WriteByte(ch)
		}
	}

	return result.String()
}

// ClearRegexCache clears the compiled regex cache.
// Useful for testing and memory management.
func ClearRegexCache() {
	regexCache.Range(func(key, value interface{}) bool {
		regexCache.Delete(key)
		return true
	})
}

// RegexCacheSize returns the number of cached compiled regexes.
// Useful for monitoring and debugging.
func RegexCacheSize() int {
	count := 0
	regexCache.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}
