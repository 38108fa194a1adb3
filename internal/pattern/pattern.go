// Package pattern compiles subscriber-supplied topic patterns and matches
// published topics against them. Patterns are conventional regular
// expressions (capture groups, character classes, quantifiers, anchors);
// matching is always full-string.
package pattern

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidPattern is returned when Compile is given a string the regex
// engine cannot parse.
var ErrInvalidPattern = errors.New("pattern: invalid pattern string")

// Pattern is a compiled, immutable topic matcher. Once returned from
// Compile it never changes: a Subscription's pattern is fixed for its
// lifetime.
type Pattern struct {
	re *regexp.Regexp
}

// Compile parses text as a regular expression and wraps it so matching is
// always a full-string match, anchored at both ends regardless of whether
// the caller wrote explicit ^/$ anchors.
func Compile(text string) (*Pattern, error) {
	re, err := regexp.Compile(fmt.Sprintf("\\A(?:%s)\\z", text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return &Pattern{re: re}, nil
}

// Matches reports whether topic fully matches the compiled pattern.
func (p *Pattern) Matches(topic string) bool {
	return p.re.MatchString(topic)
}

// String returns the compiled form (wrapped with the full-match anchors).
// The original source text is not retained; callers that need it for
// logging should keep their own copy alongside the compiled Pattern.
func (p *Pattern) String() string {
	return p.re.String()
}
