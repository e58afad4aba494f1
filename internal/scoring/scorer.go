// Package scoring evaluates candidate variants against configured weighted
// dimensions and selects competition winners. Scoring is pure: the same
// variant and request always produce the same vector.
package scoring

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/jonathanhollander/assetforge/internal/models"
)

// Scorer computes ScoreVectors from configured dimension weights and applies
// the winner selection rule. providerOrder is the configuration order of
// providers, the first tie-break for equal weighted totals.
type Scorer struct {
	weights       map[string]float64
	providerOrder []string
}

func New(weights map[string]float64, providerOrder []string) *Scorer {
	w := make(map[string]float64, len(weights))
	for dim, v := range weights {
		w[dim] = v
	}
	return &Scorer{
		weights:       w,
		providerOrder: append([]string(nil), providerOrder...),
	}
}

// Score evaluates one successful variant. Dimensions named in the weights but
// without a built-in evaluator score a neutral 0.5 so a config typo degrades
// gracefully instead of zeroing a provider.
func (s *Scorer) Score(variant models.CandidateVariant, req models.GenerationRequest) models.ScoreVector {
	dims := make(map[string]float64, len(s.weights))
	var total, weightSum float64
	for dim, weight := range s.weights {
		var v float64
		switch dim {
		case "fidelity":
			v = scoreFidelity(variant, req)
		case "stylistic_fit":
			v = scoreStylisticFit(variant, req)
		case "technical_soundness":
			v = scoreTechnicalSoundness(variant)
		default:
			v = 0.5
		}
		dims[dim] = v
		total += v * weight
		weightSum += weight
	}
	if weightSum > 0 {
		total /= weightSum
	}
	return models.ScoreVector{Dimensions: dims, WeightedTotal: total}
}

// SelectWinner picks the provider with the highest weighted total. Ties go to
// the provider listed earlier in configuration order, then to the
// lexicographically smaller provider id. Returns false when scores is empty.
func (s *Scorer) SelectWinner(scores map[string]models.ScoreVector) (string, bool) {
	if len(scores) == 0 {
		return "", false
	}
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		sa, sb := scores[a].WeightedTotal, scores[b].WeightedTotal
		if sa != sb {
			return sa > sb
		}
		oa, ob := s.configIndex(a), s.configIndex(b)
		if oa != ob {
			return oa < ob
		}
		return a < b
	})
	return ids[0], true
}

func (s *Scorer) configIndex(providerID string) int {
	for i, id := range s.providerOrder {
		if id == providerID {
			return i
		}
	}
	return len(s.providerOrder)
}

// scoreFidelity measures how much of the brief the candidate reflects. Text
// candidates are scored by keyword coverage; binary candidates by payload
// completeness (a truncated download scores low).
func scoreFidelity(variant models.CandidateVariant, req models.GenerationRequest) float64 {
	if isText(variant.ContentType) {
		return keywordCoverage(req.Brief, string(variant.Content))
	}
	return clamp01(float64(len(variant.Content)) / (16 << 10))
}

// scoreStylisticFit checks that text output stays in a sane length band
// relative to the brief, and that binary output is not implausibly small.
func scoreStylisticFit(variant models.CandidateVariant, req models.GenerationRequest) float64 {
	if !isText(variant.ContentType) {
		if len(variant.Content) < 1024 {
			return 0.2
		}
		return 0.7
	}
	briefLen := len(req.Brief)
	outLen := len(variant.Content)
	if outLen == 0 {
		return 0
	}
	// A usable prompt/caption runs between roughly 0.5x and 20x the brief.
	if outLen < briefLen/2 {
		return 0.3
	}
	if briefLen > 0 && outLen > briefLen*20 {
		return 0.4
	}
	return 0.9
}

// scoreTechnicalSoundness verifies the payload is well-formed for its
// declared content type.
func scoreTechnicalSoundness(variant models.CandidateVariant) float64 {
	if len(variant.Content) == 0 {
		return 0
	}
	switch variant.ContentType {
	case "image/png":
		if len(variant.Content) >= 8 && string(variant.Content[:8]) == "\x89PNG\r\n\x1a\n" {
			return 1
		}
		return 0.2
	case "image/jpeg":
		if len(variant.Content) >= 2 && variant.Content[0] == 0xFF && variant.Content[1] == 0xD8 {
			return 1
		}
		return 0.2
	default:
		if isText(variant.ContentType) {
			if utf8.Valid(variant.Content) {
				return 1
			}
			return 0.2
		}
		return 0.6
	}
}

func isText(contentType string) bool {
	return strings.HasPrefix(contentType, "text/")
}

func keywordCoverage(brief, content string) float64 {
	words := strings.Fields(strings.ToLower(brief))
	lowered := strings.ToLower(content)
	var keywords, hits int
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) <= 3 {
			continue
		}
		keywords++
		if strings.Contains(lowered, w) {
			hits++
		}
	}
	if keywords == 0 {
		return 0.5
	}
	return float64(hits) / float64(keywords)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
