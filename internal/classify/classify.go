// Package classify tags raw chat messages with an event kind. Field agents
// report in several languages (English and Afrikaans mixed), so the completion
// vocabulary is a flat multilingual disjunction of whole-word patterns rather
// than anything ranked.
package classify

import (
	"regexp"
	"strings"
)

type Kind string

const (
	None             Kind = "none"
	CompletionSignal Kind = "completion"
	CreationSignal   Kind = "creation"
)

type Classification struct {
	Kind           Kind
	MatchedPattern string
}

// completionTerms are matched case-insensitively at word boundaries. Any
// single match classifies the message as a completion signal, regardless of
// what else the message contains.
var completionTerms = []string{
	`done`,
	`completed`,
	`finished`,
	`sorted`,
	`sortered`,
	`regulateer`,
	`voltooi`,
	`afgehandel`,
	`klaar`,
	`ready`,
	`alle plessing`,
	`alle foto's`,
	`all photos`,
	`all pictures`,
}

var completionPatterns = compileTerms(completionTerms)

// dropMention recognizes a drop identifier in any phrasing the resolver
// accepts. A message that carries one without a completion keyword is a
// creation signal (a newly reported drop).
var dropMention = regexp.MustCompile(`(?i)\b(?:dr\s*:?\s*\d+|drop\s*(?:number\s*)?:?\s*(?:dr)?\s*\d+)`)

func compileTerms(terms []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(terms))
	for _, term := range terms {
		patterns = append(patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(term)+`\b`))
	}
	return patterns
}

// Classify is pure: no side effects, deterministic for all inputs.
// Empty or whitespace-only content is always None.
func Classify(content string) Classification {
	if strings.TrimSpace(content) == "" {
		return Classification{Kind: None}
	}

	for i, pattern := range completionPatterns {
		if pattern.MatchString(content) {
			return Classification{Kind: CompletionSignal, MatchedPattern: completionTerms[i]}
		}
	}

	if dropMention.MatchString(content) {
		return Classification{Kind: CreationSignal, MatchedPattern: "drop mention"}
	}

	return Classification{Kind: None}
}
