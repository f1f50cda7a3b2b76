package scraper

import (
	"strings"
	"unicode"

	"mangaverse/pkg/models"
)

// dedupeSummaries drops repeated titles, keeping the first occurrence.
func dedupeSummaries(in []models.Summary) []models.Summary {
	seen := make(map[string]bool, len(in))
	out := make([]models.Summary, 0, len(in))
	for _, s := range in {
		key := s.Source + "|" + normalizeKey(s.Title)
		if s.Title == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// normalizeKey converts a string to a canonical form: lowercase,
// remove non-letter/digit characters and compress spaces.
func normalizeKey(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))

	prevSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevSpace = false
			continue
		}
		if !prevSpace {
			b.WriteRune(' ')
			prevSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

func appendIfMissing(slice []string, v string) []string {
	for _, x := range slice {
		if strings.EqualFold(x, v) {
			return slice
		}
	}
	return append(slice, v)
}

func mergeStringSlices(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	for _, v := range b {
		out = appendIfMissing(out, v)
	}
	return out
}
