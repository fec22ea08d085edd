package chat

import "strings"

// ContentFilter masks a configured vocabulary in message content. Matching
// is case-insensitive; each hit is replaced by asterisks of equal length so
// message layout survives filtering.
type ContentFilter struct {
	vocabulary []string
}

// NewContentFilter builds a filter from the banned vocabulary. Empty or
// whitespace-only entries are ignored.
func NewContentFilter(vocabulary []string) *ContentFilter {
	cleaned := make([]string, 0, len(vocabulary))
	for _, w := range vocabulary {
		if w = strings.TrimSpace(w); w != "" {
			cleaned = append(cleaned, strings.ToLower(w))
		}
	}
	return &ContentFilter{vocabulary: cleaned}
}

// Mask replaces every occurrence of a banned word with asterisks.
func (f *ContentFilter) Mask(content string) string {
	if len(f.vocabulary) == 0 {
		return content
	}

	lower := strings.ToLower(content)
	out := []byte(content)
	for _, word := range f.vocabulary {
		idx := 0
		for {
			pos := strings.Index(lower[idx:], word)
			if pos < 0 {
				break
			}
			start := idx + pos
			for i := start; i < start+len(word); i++ {
				out[i] = '*'
			}
			idx = start + len(word)
		}
	}
	return string(out)
}
