package bot

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"rssbot/internal/model"
)

// Telegram rejects messages above 4096 characters; links are kept whole.
const maxTitleRunes = 1000

// FormatNotification formats an entry as a Telegram message.
func FormatNotification(entry model.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", entry.SourceLabel)
	b.WriteString(truncate(entry.Title, maxTitleRunes))
	if entry.Link != "" {
		b.WriteString("\n")
		b.WriteString(entry.Link)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
