package ingestion

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/pkg/logger"
)

// Span is a chunk of text with its rune offsets [Start, End) in the source.
type Span struct {
	Text  string
	Start int
	End   int
}

// SentenceSplitter returns the sentences of text in order, each a substring of it.
type SentenceSplitter interface {
	Sentences(text string) []string
}

type proseSplitter struct{}

func (proseSplitter) Sentences(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTokenization(false),
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithSegmentation(true),
	)
	if err != nil {
		logger.Warn("Sentence segmentation failed, using punctuation rules", zap.Error(err))
		return punctuationSplitter{}.Sentences(text)
	}
	sents := doc.Sentences()
	out := make([]string, 0, len(sents))
	for _, s := range sents {
		out = append(out, s.Text)
	}
	return out
}

type punctuationSplitter struct{}

func (punctuationSplitter) Sentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' && r != '\n' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// Chunker splits text into overlapping windows measured in runes.
type Chunker struct {
	size     int
	overlap  int
	splitter SentenceSplitter
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &Chunker{size: size, overlap: overlap, splitter: proseSplitter{}}
}

func (c *Chunker) WithSplitter(s SentenceSplitter) *Chunker {
	c.splitter = s
	return c
}

type boundaries struct {
	starts []int
	ends   []int
}

// Split never returns an empty span; ordinals follow slice order.
func (c *Chunker) Split(text string) []Span {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	b := c.sentenceBoundaries(text)

	var spans []Span
	start := 0
	for start < n {
		end := start + c.size
		if end >= n {
			end = n
		} else {
			end = c.breakPoint(runes, b, start, end)
		}

		if span, ok := trimSpan(runes, start, end); ok {
			spans = append(spans, span)
		}
		if end >= n {
			break
		}

		next := c.overlapStart(runes, b, start, end)
		if next <= start {
			next = end
		}
		start = next
	}
	return spans
}

// breakPoint picks where a full window ends: a paragraph break, else a sentence
// end, else whitespace, searched in the second half of the window.
func (c *Chunker) breakPoint(runes []rune, b boundaries, start, end int) int {
	lo := start + c.size/2

	for e := end; e > lo; e-- {
		if e+1 < len(runes) && runes[e] == '\n' && runes[e+1] == '\n' {
			return e
		}
	}

	i := sort.SearchInts(b.ends, end+1) - 1
	if i >= 0 && b.ends[i] > lo {
		return b.ends[i]
	}

	for e := end; e > lo; e-- {
		if unicode.IsSpace(runes[e]) {
			return e
		}
	}
	return end
}

// overlapStart snaps the next window start to a sentence start inside the
// overlap region, else to a word start, so the overlap never opens mid-word.
func (c *Chunker) overlapStart(runes []rune, b boundaries, start, end int) int {
	if c.overlap == 0 {
		return skipSpace(runes, end)
	}
	target := end - c.overlap
	if target <= start {
		target = start + 1
	}

	i := sort.SearchInts(b.starts, target)
	if i < len(b.starts) && b.starts[i] < end {
		return b.starts[i]
	}

	for w := target; w < end; w++ {
		if w > 0 && unicode.IsSpace(runes[w-1]) && !unicode.IsSpace(runes[w]) {
			return w
		}
	}
	return skipSpace(runes, end)
}

func (c *Chunker) sentenceBoundaries(text string) boundaries {
	var b boundaries
	byteCursor, runeCursor := 0, 0
	for _, sent := range c.splitter.Sentences(text) {
		sent = strings.TrimSpace(sent)
		if sent == "" {
			continue
		}
		idx := strings.Index(text[byteCursor:], sent)
		if idx < 0 {
			continue
		}
		startByte := byteCursor + idx
		runeCursor += utf8.RuneCountInString(text[byteCursor:startByte])
		startRune := runeCursor
		endRune := startRune + utf8.RuneCountInString(sent)

		b.starts = append(b.starts, startRune)
		b.ends = append(b.ends, endRune)

		byteCursor = startByte + len(sent)
		runeCursor = endRune
	}
	return b
}

func skipSpace(runes []rune, i int) int {
	for i < len(runes) && unicode.IsSpace(runes[i]) {
		i++
	}
	return i
}

func trimSpan(runes []rune, start, end int) (Span, bool) {
	for start < end && unicode.IsSpace(runes[start]) {
		start++
	}
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	if start == end {
		return Span{}, false
	}
	return Span{Text: string(runes[start:end]), Start: start, End: end}, true
}
