package knowledge

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Rubric holds the point bands of the quality score. Every boundary is a
// field so deployments can tune the heuristic without code changes.
type Rubric struct {
	OptimalMinChars        int
	OptimalMaxChars        int
	AcceptableMinChars     int
	AcceptableMaxChars     int
	OptimalLengthPoints    float64
	AcceptableLengthPoints float64

	PointsPerCodeBlock float64
	MaxCodeBlockPoints float64

	HeadingPoints      float64
	ListPoints         float64
	MaxStructurePoints float64

	TechnicalTerms []string
	PointsPerTerm  float64
	MaxTermPoints  float64

	PointsPerMarker float64
	MaxMarkerPoints float64

	MaxScore float64
}

// DefaultRubric returns the standard bands: length 0-2, code blocks 0-3,
// structure 0-2, technical terms 0-2, friendly markers 0-1.
func DefaultRubric() Rubric {
	return Rubric{
		OptimalMinChars:        100,
		OptimalMaxChars:        5000,
		AcceptableMinChars:     50,
		AcceptableMaxChars:     10000,
		OptimalLengthPoints:    2,
		AcceptableLengthPoints: 1,

		PointsPerCodeBlock: 1,
		MaxCodeBlockPoints: 3,

		HeadingPoints:      2,
		ListPoints:         1,
		MaxStructurePoints: 2,

		TechnicalTerms: []string{
			"class", "function", "method", "variable", "import", "export", "component",
			"interface", "module", "package", "api", "async", "await", "thread",
			"callback", "constructor", "exception", "dependency", "library", "framework",
			"query", "struct", "compile", "test",
		},
		PointsPerTerm: 0.25,
		MaxTermPoints: 2,

		PointsPerMarker: 0.3,
		MaxMarkerPoints: 1,

		MaxScore: 10,
	}
}

// Breakdown is the per-band contribution to a score.
type Breakdown struct {
	Length     float64 `json:"length"`
	CodeBlocks float64 `json:"code_blocks"`
	Structure  float64 `json:"structure"`
	Terms      float64 `json:"technical_terms"`
	Markers    float64 `json:"friendly_markers"`
	Total      float64 `json:"total"`
}

var (
	headingRE  = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+\S`)
	listRE     = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+\S`)
	emphasisRE = regexp.MustCompile(`\*\*[^*\n]+\*\*|__[^_\n]+__`)
)

// Scorer rates response text against a Rubric. It holds no mutable state and
// is safe for concurrent use.
type Scorer struct {
	rubric Rubric
	termRE *regexp.Regexp
}

func NewScorer(r Rubric) *Scorer {
	s := &Scorer{rubric: r}
	if len(r.TechnicalTerms) > 0 {
		quoted := make([]string, len(r.TechnicalTerms))
		for i, t := range r.TechnicalTerms {
			quoted[i] = regexp.QuoteMeta(strings.ToLower(t))
		}
		s.termRE = regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
	}
	return s
}

// Score returns the total quality score in [0, MaxScore].
func (s *Scorer) Score(text string) float64 {
	return s.Explain(text).Total
}

// Explain returns the score split by rubric band.
func (s *Scorer) Explain(text string) Breakdown {
	r := s.rubric
	var b Breakdown

	n := utf8.RuneCountInString(text)
	switch {
	case n >= r.OptimalMinChars && n <= r.OptimalMaxChars:
		b.Length = r.OptimalLengthPoints
	case n >= r.AcceptableMinChars && n <= r.AcceptableMaxChars:
		b.Length = r.AcceptableLengthPoints
	}

	blocks := strings.Count(text, "```") / 2
	b.CodeBlocks = math.Min(float64(blocks)*r.PointsPerCodeBlock, r.MaxCodeBlockPoints)

	body := stripCodeBlocks(text)
	if headingRE.MatchString(body) {
		b.Structure += r.HeadingPoints
	}
	if listRE.MatchString(body) {
		b.Structure += r.ListPoints
	}
	b.Structure = math.Min(b.Structure, r.MaxStructurePoints)

	if s.termRE != nil {
		seen := make(map[string]struct{})
		for _, m := range s.termRE.FindAllString(strings.ToLower(text), -1) {
			seen[m] = struct{}{}
		}
		b.Terms = math.Min(float64(len(seen))*r.PointsPerTerm, r.MaxTermPoints)
	}

	markers := len(emphasisRE.FindAllString(body, -1)) + countEmoji(body)
	b.Markers = math.Min(float64(markers)*r.PointsPerMarker, r.MaxMarkerPoints)

	total := b.Length + b.CodeBlocks + b.Structure + b.Terms + b.Markers
	b.Total = math.Max(0, math.Min(total, r.MaxScore))
	return b
}

// stripCodeBlocks drops fenced code so comments inside code ("# comment")
// are not mistaken for headings.
func stripCodeBlocks(text string) string {
	parts := strings.Split(text, "```")
	var sb strings.Builder
	for i, p := range parts {
		if i%2 == 0 {
			sb.WriteString(p)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func countEmoji(text string) int {
	n := 0
	for _, r := range text {
		switch {
		case r >= 0x1F300 && r <= 0x1FAFF,
			r >= 0x2600 && r <= 0x27BF:
			n++
		}
	}
	return n
}
