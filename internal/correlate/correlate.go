// Package correlate resolves which drop a chat signal refers to. Agents
// rarely repeat the identifier when they confirm completion ("all done"), so
// resolution is two-phase: the message itself first, then a bounded
// most-recent-first scan of prior messages in the same conversation.
package correlate

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// Tag prefixes every canonical drop identifier.
	Tag = "DR"
	// CanonicalWidth is the zero-padded digit width of a canonical identifier.
	CanonicalWidth = 7
)

// Key identifies one unit of work. UnitID is always canonical; two raw
// strings that canonicalize to the same Key are the same drop.
type Key struct {
	Project string
	UnitID  string
}

// String renders the tracker-file key form, e.g. "velo_test_DR0000123".
func (k Key) String() string {
	return k.Project + "_" + k.UnitID
}

// Resolution is the outcome of a successful extraction.
type Resolution struct {
	UnitID      string
	Pattern     string
	Wide        bool // digit run longer than canonical width, passed through unpadded
	FromContext bool // found in the lookback window rather than the message itself
}

type surfacePattern struct {
	name string
	re   *regexp.Regexp
}

// surfacePatterns are tried in fixed priority order; the first match wins.
// Ordering, not string position, decides ambiguous content.
var surfacePatterns = []surfacePattern{
	{"tag+digits", regexp.MustCompile(`(?i)\bDR\s*(\d{1,10})\b`)},
	{"tag+colon+digits", regexp.MustCompile(`(?i)\bDR:\s*(\d{1,10})\b`)},
	{"drop-label+tag", regexp.MustCompile(`(?i)\bdrop:\s*DR\s*(\d{1,10})\b`)},
	{"drop-number-label", regexp.MustCompile(`(?i)\bdrop\s+number\s+(\d{1,10})\b`)},
	{"drop-label", regexp.MustCompile(`(?i)\bdrop\s*:?\s*(\d{1,10})\b`)},
}

// Canonicalize normalizes a raw digit token or tagged identifier into the
// canonical form: Tag + left-zero-padded digits. Runs longer than the
// canonical width pass through unpadded (wide=true). Canonicalizing an
// already-canonical identifier returns it unchanged.
func Canonicalize(raw string) (unitID string, wide bool, err error) {
	token := strings.TrimSpace(raw)
	token = strings.TrimPrefix(strings.ToUpper(token), Tag)
	if token == "" {
		return "", false, fmt.Errorf("empty identifier")
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return "", false, fmt.Errorf("identifier %q is not numeric", raw)
		}
	}
	if len(token) < CanonicalWidth {
		token = strings.Repeat("0", CanonicalWidth-len(token)) + token
	}
	return Tag + token, len(token) > CanonicalWidth, nil
}

// Extract attempts local extraction from a single message.
func Extract(content string) (Resolution, bool) {
	for _, p := range surfacePatterns {
		m := p.re.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		unitID, wide, err := Canonicalize(m[1])
		if err != nil {
			continue
		}
		return Resolution{UnitID: unitID, Pattern: p.name, Wide: wide}, true
	}
	return Resolution{}, false
}

// Resolve extracts a drop identifier from content, falling back to the
// lookback window. The window is ordered most-recent-last (as the message
// store returns it) and is scanned newest-first, bounded to maxLookback
// entries. Returns false when neither the message nor the window carries an
// identifier.
func Resolve(content string, window []string, maxLookback int) (Resolution, bool) {
	if res, ok := Extract(content); ok {
		return res, true
	}

	if maxLookback <= 0 {
		return Resolution{}, false
	}

	scanned := 0
	for i := len(window) - 1; i >= 0 && scanned < maxLookback; i-- {
		scanned++
		if res, ok := Extract(window[i]); ok {
			res.FromContext = true
			return res, true
		}
	}

	return Resolution{}, false
}
