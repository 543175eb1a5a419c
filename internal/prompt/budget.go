package prompt

import (
	"fmt"
	"strings"
)

// PageText is the text of one page offered to a prompt.
type PageText struct {
	PageID string
	Text   string
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func formatPage(p PageText) string {
	return fmt.Sprintf("[page %s]\n%s\n\n", p.PageID, strings.TrimSpace(p.Text))
}

// FitPages keeps leading pages, in order, while their formatted text stays
// within budget tokens. Pages are never reordered; the first page that does
// not fit ends the selection. If even the first page is too large it is
// truncated to fit.
func FitPages(pages []PageText, budget int) []PageText {
	if len(pages) == 0 || budget <= 0 {
		return nil
	}
	var out []PageText
	remaining := budget
	for _, p := range pages {
		tokens := EstimateTokens(formatPage(p))
		if tokens > remaining {
			break
		}
		out = append(out, p)
		remaining -= tokens
	}
	if len(out) == 0 {
		first := pages[0]
		overhead := EstimateTokens(formatPage(PageText{PageID: first.PageID}))
		maxChars := (budget - overhead) * 4
		if maxChars <= 0 {
			return nil
		}
		text := strings.TrimSpace(first.Text)
		if len(text) > maxChars {
			text = truncateUTF8(text, maxChars)
		}
		out = append(out, PageText{PageID: first.PageID, Text: text})
	}
	return out
}

// FormatPages renders pages as the user message body.
func FormatPages(pages []PageText) string {
	var sb strings.Builder
	for _, p := range pages {
		sb.WriteString(formatPage(p))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary.
	for n > 0 && n < len(s) && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
