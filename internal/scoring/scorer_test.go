package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanhollander/assetforge/internal/models"
)

var testWeights = map[string]float64{
	"fidelity":            0.5,
	"stylistic_fit":       0.3,
	"technical_soundness": 0.2,
}

func TestScoreIsDeterministic(t *testing.T) {
	s := New(testWeights, []string{"a", "b"})
	req := models.GenerationRequest{Brief: "a stained glass window with morning light"}
	variant := models.CandidateVariant{
		ProviderID:  "a",
		Content:     []byte("A tall stained glass window catching the morning light over a quiet hall."),
		ContentType: "text/plain",
	}

	first := s.Score(variant, req)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.Score(variant, req))
	}
	assert.GreaterOrEqual(t, first.WeightedTotal, 0.0)
	assert.LessOrEqual(t, first.WeightedTotal, 1.0)
}

func TestUnknownDimensionScoresNeutral(t *testing.T) {
	s := New(map[string]float64{"sparkle": 1.0}, nil)
	vec := s.Score(models.CandidateVariant{Content: []byte("x"), ContentType: "text/plain"}, models.GenerationRequest{})
	assert.Equal(t, 0.5, vec.Dimensions["sparkle"])
	assert.Equal(t, 0.5, vec.WeightedTotal)
}

func TestSelectWinnerHighestTotal(t *testing.T) {
	s := New(testWeights, []string{"a", "b", "c"})
	winner, ok := s.SelectWinner(map[string]models.ScoreVector{
		"a": {WeightedTotal: 0.62},
		"b": {WeightedTotal: 0.81},
		"c": {WeightedTotal: 0.40},
	})
	require.True(t, ok)
	assert.Equal(t, "b", winner)
}

// The documented tie-break: equal totals go to the provider configured
// earlier, regardless of map iteration order.
func TestSelectWinnerTieBreakConfigOrder(t *testing.T) {
	s := New(testWeights, []string{"zeta", "alpha", "mid"})
	scores := map[string]models.ScoreVector{
		"zeta":  {WeightedTotal: 0.81},
		"alpha": {WeightedTotal: 0.81},
		"mid":   {WeightedTotal: 0.62},
	}
	for i := 0; i < 50; i++ {
		winner, ok := s.SelectWinner(scores)
		require.True(t, ok)
		assert.Equal(t, "zeta", winner, "earlier-configured provider must win the tie")
	}
}

func TestSelectWinnerTieBreakLexicographic(t *testing.T) {
	// Neither provider appears in the configured order; the lexicographically
	// smaller id wins.
	s := New(testWeights, nil)
	for i := 0; i < 50; i++ {
		winner, ok := s.SelectWinner(map[string]models.ScoreVector{
			"bravo": {WeightedTotal: 0.7},
			"alfa":  {WeightedTotal: 0.7},
		})
		require.True(t, ok)
		assert.Equal(t, "alfa", winner)
	}
}

func TestSelectWinnerEmpty(t *testing.T) {
	s := New(testWeights, nil)
	_, ok := s.SelectWinner(nil)
	assert.False(t, ok)
}

func TestTechnicalSoundnessChecksMagicBytes(t *testing.T) {
	s := New(map[string]float64{"technical_soundness": 1.0}, nil)
	req := models.GenerationRequest{Brief: "icon"}

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	good := s.Score(models.CandidateVariant{Content: png, ContentType: "image/png"}, req)
	assert.Equal(t, 1.0, good.Dimensions["technical_soundness"])

	bad := s.Score(models.CandidateVariant{Content: []byte("not a png"), ContentType: "image/png"}, req)
	assert.Equal(t, 0.2, bad.Dimensions["technical_soundness"])
}

func TestFidelityKeywordCoverage(t *testing.T) {
	s := New(map[string]float64{"fidelity": 1.0}, nil)
	req := models.GenerationRequest{Brief: "golden compass resting on parchment"}

	full := s.Score(models.CandidateVariant{
		Content:     []byte("A golden compass resting on old parchment."),
		ContentType: "text/plain",
	}, req)
	none := s.Score(models.CandidateVariant{
		Content:     []byte("something else entirely"),
		ContentType: "text/plain",
	}, req)
	assert.Greater(t, full.Dimensions["fidelity"], none.Dimensions["fidelity"])
	assert.Equal(t, 1.0, full.Dimensions["fidelity"])
}
