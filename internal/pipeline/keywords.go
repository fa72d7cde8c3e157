package pipeline

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/your-org/mediaflow/internal/models"
)

// MergeKeywords combines caption keywords, detected objects and known people,
// in that order. Duplicates are detected after NFC normalization and case
// folding; the first spelling wins. An empty result becomes the fallback.
func MergeKeywords(det *models.DetectionResult, capt *models.CaptionResult, fallback string, limit int) []string {
	var sources [][]string
	if capt != nil {
		sources = append(sources, capt.Keywords)
	}
	if det != nil {
		sources = append(sources, det.Objects, det.KnownPeople)
	}

	fold := cases.Fold()
	seen := make(map[string]struct{})
	var out []string
	for _, src := range sources {
		for _, kw := range src {
			kw = cleanKeyword(kw)
			if kw == "" {
				continue
			}
			key := fold.String(kw)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, kw)
			if limit > 0 && len(out) == limit {
				return out
			}
		}
	}
	if len(out) == 0 && fallback != "" {
		out = []string{fallback}
	}
	return out
}

func cleanKeyword(kw string) string {
	kw = norm.NFC.String(kw)
	return strings.Join(strings.Fields(kw), " ")
}

// Narrative picks the caption narrative, trimmed.
func Narrative(capt *models.CaptionResult) string {
	if capt == nil {
		return ""
	}
	return strings.TrimSpace(norm.NFC.String(capt.Narrative))
}
