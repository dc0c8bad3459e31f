package expression

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

const (
	maxRegexLength   = 500
	maxRegexGroups   = 20
	maxCachedRegexes = 256
)

var (
	regexCacheMu sync.RWMutex
	regexCache   = make(map[string]*regexp.Regexp)
)

// compileRegex returns a cached compiled regex or compiles and caches a new one.
// The cache is reset once it reaches maxCachedRegexes entries.
func compileRegex(pattern string) (*regexp.Regexp, error) {
	regexCacheMu.RLock()
	re, ok := regexCache[pattern]
	regexCacheMu.RUnlock()
	if ok {
		return re, nil
	}

	if err := validateRegexComplexity(pattern); err != nil {
		return nil, err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
	}

	regexCacheMu.Lock()
	if len(regexCache) >= maxCachedRegexes {
		regexCache = make(map[string]*regexp.Regexp)
	}
	regexCache[pattern] = re
	regexCacheMu.Unlock()

	return re, nil
}

// validateRegexComplexity rejects oversized or deeply nested patterns
// coming from device provisioning data.
func validateRegexComplexity(pattern string) error {
	if len(pattern) > maxRegexLength {
		return fmt.Errorf("regex pattern too long (max %d chars): %d chars", maxRegexLength, len(pattern))
	}
	if strings.Count(pattern, "(") > maxRegexGroups {
		return fmt.Errorf("regex pattern has too many groups (max %d)", maxRegexGroups)
	}

	nest, maxNest := 0, 0
	for _, ch := range pattern {
		switch ch {
		case '(':
			nest++
			maxNest = max(maxNest, nest)
		case ')':
			nest--
		}
	}
	if maxNest > 5 {
		return fmt.Errorf("regex pattern has excessive nesting depth (max 5 levels)")
	}
	return nil
}

// regexCacheSize returns the current number of cached patterns.
func regexCacheSize() int {
	regexCacheMu.RLock()
	defer regexCacheMu.RUnlock()
	return len(regexCache)
}
