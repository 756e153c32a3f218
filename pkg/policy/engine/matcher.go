package engine

import (
	"regexp"
	"strings"
	"sync"

	"sentinel-hq/arbiter/pkg/rules"
)

// Matcher evaluates a single detection rule against event content.
//
// Regex rules use the pattern compiled at write time; if a rule arrives
// without its compiled form (e.g. loaded from persistence without
// revalidation), the matcher compiles it once and caches it by rule ID
// and pattern. Keyword rules do case-insensitive substring search.
// Semantic rules are an extension point and never match in the base
// engine.
type Matcher struct {
	// maxContentLength caps the input length for regex matching.
	maxContentLength int

	mu    sync.RWMutex
	cache map[string]*regexp.Regexp // "ruleID\x00pattern" -> compiled
}

// NewMatcher creates a detection matcher with the given regex input cap.
func NewMatcher(maxContentLength int) *Matcher {
	if maxContentLength <= 0 {
		maxContentLength = DefaultMaxContentLength
	}
	return &Matcher{
		maxContentLength: maxContentLength,
		cache:            make(map[string]*regexp.Regexp),
	}
}

// Matches reports whether the detection rule matches the content.
func (m *Matcher) Matches(rule *rules.DetectionRule, content string) (bool, error) {
	switch rule.Type {
	case rules.DetectionRegex:
		re := rule.Compiled()
		if re == nil {
			var err error
			re, err = m.compile(rule)
			if err != nil {
				return false, err
			}
		}
		if len(content) > m.maxContentLength {
			content = content[:m.maxContentLength]
		}
		return re.MatchString(content), nil

	case rules.DetectionKeyword:
		keywords := rule.LoweredKeywords()
		if len(keywords) == 0 {
			keywords = make([]string, len(rule.Keywords))
			for i, kw := range rule.Keywords {
				keywords[i] = strings.ToLower(kw)
			}
		}
		lowered := strings.ToLower(content)
		for _, kw := range keywords {
			if strings.Contains(lowered, kw) {
				return true, nil
			}
		}
		return false, nil

	case rules.DetectionSemantic:
		// Semantic evaluation depends on an external model; the base
		// engine treats it as a non-match.
		return false, nil

	default:
		return false, &RuleError{RuleID: rule.ID, Message: "unknown detection type " + string(rule.Type)}
	}
}

func (m *Matcher) compile(rule *rules.DetectionRule) (*regexp.Regexp, error) {
	key := rule.ID + "\x00" + rule.Pattern

	m.mu.RLock()
	re, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return nil, &RuleError{RuleID: rule.ID, Message: "invalid regex", Cause: err}
	}

	m.mu.Lock()
	m.cache[key] = re
	m.mu.Unlock()
	return re, nil
}
