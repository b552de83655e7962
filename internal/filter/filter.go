// Package filter decides whether an inbound chat message is read aloud.
package filter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxLength = 200
	DefaultEllipsis  = "..."

	// MutedPrefix lets a member post without being read aloud.
	MutedPrefix = "(音量0)"
)

// Reason names the rule that suppressed a message.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonSpoiler     Reason = "spoiler"
	ReasonCustomEmoji Reason = "custom_emoji"
	ReasonURL         Reason = "url"
	ReasonMention     Reason = "mention"
	ReasonCodeBlock   Reason = "code_block"
	ReasonMarkdown    Reason = "markdown"
	ReasonMuted       Reason = "muted"
)

// Result is the outcome of applying the filter to one message.
type Result struct {
	Text       string
	Suppressed bool
	Reason     Reason
	Truncated  bool
}

var (
	customEmojiPattern    = regexp.MustCompile(`<a?:\w+:\d+>`)
	urlPattern            = regexp.MustCompile(`https?://\S+`)
	roleMentionPattern    = regexp.MustCompile(`<@&\d+>`)
	channelMentionPattern = regexp.MustCompile(`<#\d+>`)
	userMentionPattern    = regexp.MustCompile(`<@!?\d+>`)
	codeBlockPattern      = regexp.MustCompile("```[\\s\\S]+```")
	markdownPattern       = regexp.MustCompile("[*_~`]")
)

type rule struct {
	reason Reason
	match  func(string) bool
}

// Rules run in this order against the original text; the first hit wins.
var rules = []rule{
	{ReasonSpoiler, isSpoiler},
	{ReasonCustomEmoji, customEmojiPattern.MatchString},
	{ReasonURL, urlPattern.MatchString},
	{ReasonMention, func(s string) bool {
		return roleMentionPattern.MatchString(s) || channelMentionPattern.MatchString(s) || userMentionPattern.MatchString(s)
	}},
	{ReasonCodeBlock, codeBlockPattern.MatchString},
	{ReasonMarkdown, markdownPattern.MatchString},
	{ReasonMuted, func(s string) bool { return strings.HasPrefix(s, MutedPrefix) }},
}

// Filter holds the truncation settings. The zero value uses the defaults.
type Filter struct {
	MaxLength int
	Ellipsis  string
}

// New returns a Filter with the given limits. Apply falls back to the
// defaults for a non-positive length or an empty ellipsis.
func New(maxLength int, ellipsis string) Filter {
	return Filter{MaxLength: maxLength, Ellipsis: ellipsis}
}

// Apply never fails: every input is either suppressed or accepted.
// Empty input is accepted with empty text.
func (f Filter) Apply(text string) Result {
	for _, r := range rules {
		if r.match(text) {
			return Result{Suppressed: true, Reason: r.reason}
		}
	}

	limit := f.MaxLength
	if limit <= 0 {
		limit = DefaultMaxLength
	}
	ellipsis := f.Ellipsis
	if ellipsis == "" {
		ellipsis = DefaultEllipsis
	}
	if utf8.RuneCountInString(text) <= limit {
		return Result{Text: text}
	}
	runes := []rune(text)
	return Result{Text: string(runes[:limit]) + ellipsis, Truncated: true}
}

func isSpoiler(s string) bool {
	return len(s) >= 4 && strings.HasPrefix(s, "||") && strings.HasSuffix(s, "||")
}
