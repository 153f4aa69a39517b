package bot

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxTagLength  = 150
	maxTagsPerSub = 100
)

var validTagRe = regexp.MustCompile(`^[a-z0-9 -]+$`)

// ParseTagArgs splits command arguments into tags, honoring double
// quotes around multi-word tags: `add "lord of the mysteries" ersatz`
// yields ["lord of the mysteries", "ersatz"].
func ParseTagArgs(args string) []string {
	var tags []string
	rest := args
	for {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return tags
		}
		if rest[0] == '"' {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				// Unterminated quote: take the remainder as one tag.
				tags = append(tags, strings.TrimSpace(rest[1:]))
				return tags
			}
			if tag := strings.TrimSpace(rest[1 : end+1]); tag != "" {
				tags = append(tags, tag)
			}
			rest = rest[end+2:]
			continue
		}
		i := strings.IndexByte(rest, ' ')
		if i < 0 {
			tags = append(tags, rest)
			return tags
		}
		tags = append(tags, rest[:i])
		rest = rest[i:]
	}
}

// ValidateTag checks a normalized tag against length and charset limits.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("tag cannot be empty")
	}
	if len(tag) > maxTagLength {
		return fmt.Errorf("tag is too long (max %d characters)", maxTagLength)
	}
	if !validTagRe.MatchString(tag) {
		return fmt.Errorf("tag %q contains invalid characters (use letters, digits, spaces, dashes)", tag)
	}
	return nil
}
