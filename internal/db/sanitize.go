package db

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/models"
)

// DefaultMaxQuerySize bounds the sanitised form of a caller-supplied query
// fragment.
const DefaultMaxQuerySize = 256

// EscapeChar is the LIKE escape character used with sanitised fragments.
const EscapeChar = `\`

// Sanitise rewrites a caller-supplied search fragment so that it can only
// ever be the body of a single-quoted LIKE literal:
//
//   - ' is doubled, and \ ; % are escaped with a backslash
//   - | { } are dropped, as are control characters
//   - * becomes the backend's wildcard
//
// Output longer than maxLen is an overflow error rather than being
// truncated, since truncation could hide whatever followed the cut.
func Sanitise(fragment string, maxLen int, wildcard string) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxQuerySize
	}
	if wildcard == "" {
		wildcard = "%"
	}

	var b strings.Builder
	for _, ch := range fragment {
		switch {
		case ch == '\'':
			b.WriteString("''")
		case ch == '\\' || ch == ';' || ch == '%' || ch == '_':
			b.WriteString(EscapeChar)
			b.WriteRune(ch)
		case ch == '|' || ch == '{' || ch == '}':
			continue
		case ch < 0x20 || ch == 0x7F:
			continue
		case ch == '*':
			b.WriteString(wildcard)
		default:
			b.WriteRune(ch)
		}
		if b.Len() > maxLen {
			return "", errors.Wrapf(models.ErrOverflow, "query fragment exceeds %d bytes", maxLen)
		}
	}
	return b.String(), nil
}

// LikeClause returns "column LIKE '<sanitised>' ESCAPE '\'" for a
// whitelisted column. The column name must come from the caller's own
// constant set, never from user input.
func (c *Conn) LikeClause(column, fragment string, maxLen int) (string, error) {
	pattern, err := Sanitise(fragment, maxLen, c.dialect.Wildcard)
	if err != nil {
		return "", err
	}
	return column + " LIKE '" + pattern + "' ESCAPE '" + EscapeChar + "'", nil
}
