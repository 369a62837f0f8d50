package selection

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// tagMatcher tests layer tag expressions against host tag sets. An expression is a list of tags separated by
// '|'; it matches if any of them appears as a whole word in the host's tags, ignoring case.
type tagMatcher struct {
	compiled *lru.Cache
}

func newTagMatcher(size int) (*tagMatcher, error) {
	compiled, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &tagMatcher{compiled: compiled}, nil
}

// Matches returns true if expression matches hostTags. An empty expression matches every host.
func (m *tagMatcher) Matches(expression, hostTags string) bool {
	re := m.regexp(expression)
	if re == nil {
		return true
	}
	return re.MatchString(hostTags)
}

func (m *tagMatcher) regexp(expression string) *regexp.Regexp {
	if re, ok := m.compiled.Get(expression); ok {
		return re.(*regexp.Regexp)
	}
	re := compileTags(expression)
	m.compiled.Add(expression, re)
	return re
}

func compileTags(expression string) *regexp.Regexp {
	var tags []string
	for _, tag := range strings.Split(expression, "|") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			tags = append(tags, regexp.QuoteMeta(tag))
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(tags, "|") + `)\b`)
}
