// Package synthesis asks the language model for an answer and scores it from
// retrieval quality alone.
package synthesis

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/metrics"
	"github.com/legal-rag/backend/internal/prompt"
	"github.com/legal-rag/backend/internal/ragerr"
	"github.com/legal-rag/backend/internal/storage/models"
	"github.com/legal-rag/backend/pkg/logger"
)

// LanguageModel generates a free-text answer for an assembled prompt.
type LanguageModel interface {
	Generate(ctx context.Context, system, user string) (string, error)
	Model() string
}

type Config struct {
	SpreadPenalty   float64
	HighThreshold   float64
	MediumThreshold float64
	PreviewLength   int
	Timeout         time.Duration
	FallbackAnswer  string
}

func DefaultConfig() Config {
	return Config{
		SpreadPenalty:   2.0,
		HighThreshold:   0.70,
		MediumThreshold: 0.50,
		PreviewLength:   200,
		Timeout:         60 * time.Second,
		FallbackAnswer:  "The language model did not respond. Please try again later; the retrieved sources are listed below.",
	}
}

type Synthesizer struct {
	model LanguageModel
	cfg   Config
	now   func() time.Time
}

func New(model LanguageModel, cfg Config) *Synthesizer {
	return &Synthesizer{model: model, cfg: cfg, now: time.Now}
}

func (s *Synthesizer) Model() string { return s.model.Model() }

// Synthesize never fails: a model error yields the fallback answer with
// Degraded set and no confidence, keeping the sources.
func (s *Synthesizer) Synthesize(ctx context.Context, p prompt.Prompt, results []models.RetrievalResult) models.Answer {
	answer := models.Answer{
		Sources:   s.Citations(results),
		Timestamp: s.now().UTC(),
	}

	genCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	text, err := s.model.Generate(genCtx, p.System, p.User)
	if err == nil && strings.TrimSpace(text) == "" {
		err = ragerr.New(ragerr.ModelError, "synthesize", "model returned an empty answer")
	}
	if err != nil {
		kind := failureKind(genCtx, err)
		metrics.SynthesisFallbacks.WithLabelValues(string(kind)).Inc()
		logger.Error("Answer synthesis failed, returning fallback",
			zap.String("model", s.model.Model()),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return s.Fallback(answer.Sources, string(kind))
	}

	answer.Text = strings.TrimSpace(text)
	answer.Confidence = Confidence(results, s.cfg.SpreadPenalty)
	answer.Band = s.Band(answer.Confidence)
	return answer
}

// Fallback builds the degraded answer used whenever no model output is available.
func (s *Synthesizer) Fallback(sources []models.Citation, reason string) models.Answer {
	if sources == nil {
		sources = []models.Citation{}
	}
	return models.Answer{
		Text:           s.cfg.FallbackAnswer,
		Band:           models.BandUnknown,
		Sources:        sources,
		Timestamp:      s.now().UTC(),
		Degraded:       true,
		DegradedReason: reason,
	}
}

func failureKind(ctx context.Context, err error) ragerr.Kind {
	if kind, ok := ragerr.KindOf(err); ok && kind.Class() == ragerr.ClassSynthesis {
		return kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ragerr.ModelTimeout
	}
	return ragerr.ModelError
}

// Citations keeps retrieval rank order and each result's own similarity.
func (s *Synthesizer) Citations(results []models.RetrievalResult) []models.Citation {
	out := make([]models.Citation, len(results))
	for i, r := range results {
		out[i] = models.Citation{
			Filename:   r.Filename,
			Similarity: r.Similarity,
			Preview:    prompt.Preview(r.Text, s.cfg.PreviewLength),
			ChunkIndex: r.Ordinal,
		}
	}
	return out
}

// Confidence scores retrieval quality:
//
//	s1        = top-1 similarity
//	mean      = mean similarity of all results
//	agreement = clamp(1 - spreadPenalty*(s1-mean), 0, 1)
//	score     = clamp(s1*agreement, 0, 1)
//
// It returns nil when there are no results.
func Confidence(results []models.RetrievalResult, spreadPenalty float64) *float64 {
	if len(results) == 0 {
		return nil
	}

	s1 := results[0].Similarity
	sum := 0.0
	for _, r := range results {
		if r.Similarity > s1 {
			s1 = r.Similarity
		}
		sum += r.Similarity
	}
	mean := sum / float64(len(results))

	agreement := clamp(1-spreadPenalty*(s1-mean), 0, 1)
	score := clamp(s1*agreement, 0, 1)
	return &score
}

// Band maps a score onto display bands. Each threshold belongs to the higher band.
func (s *Synthesizer) Band(score *float64) models.ConfidenceBand {
	return BandFor(score, s.cfg.HighThreshold, s.cfg.MediumThreshold)
}

func BandFor(score *float64, high, medium float64) models.ConfidenceBand {
	switch {
	case score == nil:
		return models.BandUnknown
	case *score >= high:
		return models.BandHigh
	case *score >= medium:
		return models.BandMedium
	default:
		return models.BandLow
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
