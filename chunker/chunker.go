// Package chunker turns extracted (page, text) segments into ordered,
// token-bounded, sentence-aligned chunks ready for embedding.
package chunker

import (
	"errors"
	"math"
	"strings"

	"github.com/docquery/docquery/extractor"
)

// ErrEmptyExtraction is returned when extraction succeeded but the segments
// contain no tokens at all.
var ErrEmptyExtraction = errors.New("chunker: extracted document contains no text")

// Config controls the chunking behaviour.
type Config struct {
	ChunkSize    int // Maximum estimated tokens per chunk.
	ChunkOverlap int // Token overlap between consecutive chunks.
	MinChunkSize int // Tail chunks below this are merged into the previous chunk.
}

// Chunk is one emitted fragment. ChunkIndex is assigned globally across the
// whole document, 0-based and dense.
type Chunk struct {
	Content    string
	ChunkIndex int
	PageNumber *int
	TokenCount int
}

// Chunker converts extracted segments into chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with the documented defaults.
func New(cfg Config) *Chunker {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 512
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = 50
	}
	if cfg.MinChunkSize == 0 {
		cfg.MinChunkSize = 100
	}
	return &Chunker{cfg: cfg}
}

// Chunk converts segments into ordered chunks. Chunks never span a segment
// boundary and never split mid-sentence except when a single sentence
// exceeds ChunkSize. An empty segment list yields zero chunks; segments
// that contain no tokens at all yield ErrEmptyExtraction.
func (c *Chunker) Chunk(segments []extractor.Segment) ([]Chunk, error) {
	if len(segments) == 0 {
		return nil, nil
	}

	total := 0
	for _, seg := range segments {
		total += EstimateTokens(seg.Text)
	}
	if total == 0 {
		return nil, ErrEmptyExtraction
	}

	var chunks []Chunk
	for _, seg := range segments {
		var page *int
		if seg.Page > 0 {
			p := seg.Page
			page = &p
		}
		for _, frag := range c.splitSegment(seg.Text) {
			chunks = append(chunks, Chunk{
				Content:    frag,
				ChunkIndex: len(chunks),
				PageNumber: page,
				TokenCount: EstimateTokens(frag),
			})
		}
	}
	return chunks, nil
}

// splitSegment breaks one segment's text into fragments of at most
// ChunkSize tokens, accumulating whole sentences greedily and carrying
// ChunkOverlap tokens' worth of trailing sentences into the next fragment.
func (c *Chunker) splitSegment(text string) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var fragments []string
	var seed []string  // overlap carried from the previous fragment
	var fresh []string // sentences added since the last flush
	currentTokens := 0

	emit := func() {
		fragments = append(fragments, strings.Join(append(append([]string{}, seed...), fresh...), " "))
		seed = overlapSentences(append(seed, fresh...), c.cfg.ChunkOverlap)
		fresh = nil
		currentTokens = 0
		for _, s := range seed {
			currentTokens += EstimateTokens(s)
		}
	}

	for _, sent := range sentences {
		sentTokens := EstimateTokens(sent)

		// A sentence longer than the chunk budget is split into token
		// windows with the same overlap rule.
		if sentTokens > c.cfg.ChunkSize {
			if len(fresh) > 0 {
				emit()
			}
			windows := c.splitLongSentence(sent)
			fragments = append(fragments, windows...)
			seed = overlapSentences([]string{windows[len(windows)-1]}, c.cfg.ChunkOverlap)
			fresh = nil
			currentTokens = 0
			for _, s := range seed {
				currentTokens += EstimateTokens(s)
			}
			continue
		}

		if currentTokens+sentTokens > c.cfg.ChunkSize {
			if len(fresh) > 0 {
				emit()
			}
			// The overlap seed alone can still blow the budget; drop it
			// rather than exceed ChunkSize.
			if currentTokens+sentTokens > c.cfg.ChunkSize && len(seed) > 0 {
				seed = nil
				currentTokens = 0
			}
		}
		fresh = append(fresh, sent)
		currentTokens += sentTokens
	}

	// Tail: only overlap seed left means nothing new to emit. A short tail
	// merges into the previous fragment unless it is the segment's only
	// content.
	if len(fresh) > 0 {
		tail := strings.Join(append(append([]string{}, seed...), fresh...), " ")
		if len(fragments) > 0 && EstimateTokens(tail) < c.cfg.MinChunkSize {
			fragments[len(fragments)-1] += " " + strings.Join(fresh, " ")
		} else {
			fragments = append(fragments, tail)
		}
	}

	return fragments
}

// splitLongSentence chops an oversized sentence into word windows of at
// most ChunkSize tokens, each overlapping the previous by ChunkOverlap
// tokens.
func (c *Chunker) splitLongSentence(sentence string) []string {
	words := strings.Fields(sentence)
	maxWords := tokensToWords(c.cfg.ChunkSize)
	overlapWords := tokensToWords(c.cfg.ChunkOverlap)
	if maxWords <= overlapWords {
		overlapWords = 0
	}

	var out []string
	for start := 0; start < len(words); {
		end := start + maxWords
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
		start = end - overlapWords
	}
	return out
}

// overlapSentences returns the trailing sentences whose combined token
// count is at most maxTokens, preserving order.
func overlapSentences(sentences []string, maxTokens int) []string {
	if maxTokens <= 0 {
		return nil
	}
	tokens := 0
	i := len(sentences)
	for i > 0 {
		next := EstimateTokens(sentences[i-1])
		if tokens+next > maxTokens {
			break
		}
		tokens += next
		i--
	}
	if i == len(sentences) {
		return nil
	}
	out := make([]string, len(sentences)-i)
	copy(out, sentences[i:])
	return out
}

// EstimateTokens approximates the token count of text with the word-based
// heuristic tokens ~ words * 1.3, which tracks the embedding model's
// tokeniser closely enough for budget enforcement on English prose.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

func tokensToWords(tokens int) int {
	return int(float64(tokens) / 1.3)
}

// splitSentences is a simple sentence tokeniser. It splits on
// period/question-mark/exclamation followed by whitespace or end of
// string. Abbreviations are not recognised: a period after one ends the
// sentence like any other.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			// Look ahead: if next char is whitespace or end of string,
			// treat as sentence boundary (simple heuristic).
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(cur.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if cur.Len() > 0 {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
