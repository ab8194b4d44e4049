// ABOUTME: Regex-based translation of inline markup between the local and remote dialects
// ABOUTME: Rules apply in order outside code spans; both directions are pure functions

package markup

import (
	"regexp"
	"strings"
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Ordered. Blockquotes and code keep the same markers on both sides.
var localToRemote = []rule{
	{regexp.MustCompile(`\*\*(.*?)\*\*`), "*$1*"},
	{regexp.MustCompile(`__(.*?)__`), "_${1}_"},
	{regexp.MustCompile(`--(.*?)--`), "_${1}_"},
	{regexp.MustCompile(`~~(.*?)~~`), "~$1~"},
	{regexp.MustCompile(`\|\|(.*?)\|\|`), "~$1~"},
	{regexp.MustCompile(`\[([^\]]+)\]\(tg://user\?id=(\d+)\)`), "$1: @$2"},
	{regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`), "$1: $2"},
}

var remoteToLocal = []rule{
	{regexp.MustCompile(`\*([^*\n]+)\*`), "**$1**"},
	{regexp.MustCompile(`_([^_\n]+)_`), "__${1}__"},
	{regexp.MustCompile(`~([^~\n]+)~`), "~~$1~~"},
}

// codeSpan matches fenced blocks first, then inline code.
var codeSpan = regexp.MustCompile("(?s)```.*?```|`[^`\n]*`")

// LocalToRemote converts local forum markup to the remote chat dialect.
func LocalToRemote(text string) string {
	return apply(text, localToRemote)
}

// RemoteToLocal converts remote chat markup to the local forum dialect.
func RemoteToLocal(text string) string {
	return apply(text, remoteToLocal)
}

// apply runs rules over every segment of text outside code spans.
func apply(text string, rules []rule) string {
	if text == "" {
		return ""
	}

	var sb strings.Builder
	sb.Grow(len(text))

	last := 0
	for _, span := range codeSpan.FindAllStringIndex(text, -1) {
		sb.WriteString(rewrite(text[last:span[0]], rules))
		sb.WriteString(text[span[0]:span[1]])
		last = span[1]
	}
	sb.WriteString(rewrite(text[last:], rules))
	return sb.String()
}

func rewrite(segment string, rules []rule) string {
	for _, r := range rules {
		segment = r.re.ReplaceAllString(segment, r.repl)
	}
	return segment
}
