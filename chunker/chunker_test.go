package chunker

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/docquery/docquery/extractor"
)

// sentenceOfTokens builds a single sentence estimating to roughly n tokens.
func sentenceOfTokens(n int) string {
	words := int(float64(n) / 1.3)
	parts := make([]string, words)
	for i := range parts {
		parts[i] = fmt.Sprintf("word%d", i)
	}
	return strings.Join(parts, " ") + "."
}

func TestChunkEmptyInput(t *testing.T) {
	c := New(Config{})
	chunks, err := c.Chunk(nil)
	if err != nil {
		t.Fatalf("empty input is legal, got %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("empty input produced %d chunks", len(chunks))
	}
}

func TestChunkWhitespaceOnly(t *testing.T) {
	c := New(Config{})
	_, err := c.Chunk([]extractor.Segment{{Text: "   \n\t "}})
	if !errors.Is(err, ErrEmptyExtraction) {
		t.Errorf("err = %v, want ErrEmptyExtraction", err)
	}
}

func TestChunkSingleShortSegment(t *testing.T) {
	c := New(Config{ChunkSize: 512, ChunkOverlap: 50, MinChunkSize: 100})
	chunks, err := c.Chunk([]extractor.Segment{{Page: 3, Text: "One short sentence. And another one."}})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].ChunkIndex != 0 {
		t.Errorf("index = %d, want 0", chunks[0].ChunkIndex)
	}
	if chunks[0].PageNumber == nil || *chunks[0].PageNumber != 3 {
		t.Errorf("page = %v, want 3", chunks[0].PageNumber)
	}
	if chunks[0].TokenCount != EstimateTokens(chunks[0].Content) {
		t.Error("token count does not match content")
	}
}

func TestChunkNoPageMetadata(t *testing.T) {
	c := New(Config{})
	chunks, err := c.Chunk([]extractor.Segment{{Page: 0, Text: "Plain text has no pages."}})
	if err != nil {
		t.Fatal(err)
	}
	if chunks[0].PageNumber != nil {
		t.Errorf("page = %v, want nil for unpaged input", *chunks[0].PageNumber)
	}
}

func TestChunkRespectsBudget(t *testing.T) {
	c := New(Config{ChunkSize: 100, ChunkOverlap: 10, MinChunkSize: 10})

	var sentences []string
	for i := 0; i < 30; i++ {
		sentences = append(sentences, sentenceOfTokens(20))
	}
	chunks, err := c.Chunk([]extractor.Segment{{Page: 1, Text: strings.Join(sentences, " ")}})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.TokenCount > 100 {
			t.Errorf("chunk %d has %d tokens, budget 100", i, ch.TokenCount)
		}
	}
}

func TestChunkIndicesDenseAndGlobal(t *testing.T) {
	c := New(Config{ChunkSize: 60, ChunkOverlap: 5, MinChunkSize: 5})
	segs := []extractor.Segment{
		{Page: 1, Text: sentenceOfTokens(40) + " " + sentenceOfTokens(40) + " " + sentenceOfTokens(40)},
		{Page: 2, Text: sentenceOfTokens(40) + " " + sentenceOfTokens(40)},
	}
	chunks, err := c.Chunk(segs)
	if err != nil {
		t.Fatal(err)
	}
	for i, ch := range chunks {
		if ch.ChunkIndex != i {
			t.Errorf("chunk %d carries index %d; indices must be dense and global", i, ch.ChunkIndex)
		}
	}
}

func TestChunkNeverCrossesSegmentBoundary(t *testing.T) {
	c := New(Config{ChunkSize: 512, ChunkOverlap: 50, MinChunkSize: 10})
	segs := []extractor.Segment{
		{Page: 1, Text: "Page one alpha content sentence."},
		{Page: 2, Text: "Page two beta content sentence."},
	}
	chunks, err := c.Chunk(segs)
	if err != nil {
		t.Fatal(err)
	}
	// Both pages are tiny; a boundary-ignorant chunker would merge them.
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want one per segment", len(chunks))
	}
	if !strings.Contains(chunks[0].Content, "alpha") || strings.Contains(chunks[0].Content, "beta") {
		t.Error("chunk 0 crossed the segment boundary")
	}
	if *chunks[0].PageNumber != 1 || *chunks[1].PageNumber != 2 {
		t.Error("page metadata lost")
	}
}

func TestChunkOverlapCarriesTrailingSentences(t *testing.T) {
	c := New(Config{ChunkSize: 50, ChunkOverlap: 15, MinChunkSize: 5})

	var sentences []string
	for i := 0; i < 8; i++ {
		sentences = append(sentences, fmt.Sprintf("Sentence number %d carries some padding words here.", i))
	}
	chunks, err := c.Chunk([]extractor.Segment{{Text: strings.Join(sentences, " ")}})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	// Each chunk after the first starts with the tail of its predecessor.
	for i := 1; i < len(chunks); i++ {
		first := strings.SplitN(chunks[i].Content, ".", 2)[0] + "."
		if !strings.Contains(chunks[i-1].Content, first) {
			t.Errorf("chunk %d does not begin with overlap from chunk %d:\nprev: %q\ncur:  %q",
				i, i-1, chunks[i-1].Content, chunks[i].Content)
		}
	}
}

func TestLongSentenceSplitsIntoWindows(t *testing.T) {
	c := New(Config{ChunkSize: 50, ChunkOverlap: 10, MinChunkSize: 5})

	long := sentenceOfTokens(180) // one sentence, ~3.6x the budget
	chunks, err := c.Chunk([]extractor.Segment{{Text: long}})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("oversized sentence produced %d chunks", len(chunks))
	}
	for i, ch := range chunks {
		if ch.TokenCount > 50 {
			t.Errorf("window %d has %d tokens, budget 50", i, ch.TokenCount)
		}
	}
}

func TestShortTailMergesIntoPrevious(t *testing.T) {
	c := New(Config{ChunkSize: 50, ChunkOverlap: 0, MinChunkSize: 20})

	// Two full sentences then a tiny trailing one.
	text := sentenceOfTokens(45) + " " + sentenceOfTokens(45) + " Tiny tail."
	chunks, err := c.Chunk([]extractor.Segment{{Text: text}})
	if err != nil {
		t.Fatal(err)
	}
	last := chunks[len(chunks)-1]
	if strings.TrimSpace(last.Content) == "Tiny tail." {
		t.Error("short tail was emitted alone instead of merging into the previous chunk")
	}
	if !strings.Contains(last.Content, "Tiny tail.") {
		t.Error("tail text lost entirely")
	}
}

func TestShortOnlyChunkIsEmitted(t *testing.T) {
	c := New(Config{ChunkSize: 512, ChunkOverlap: 50, MinChunkSize: 100})
	chunks, err := c.Chunk([]extractor.Segment{{Text: "Just a few words."}})
	if err != nil {
		t.Fatal(err)
	}
	// Below MinChunkSize but the segment's only content, so it survives.
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
}

// TestRoundTripCoverage verifies the reconstruction property: every input
// word appears in the concatenated chunk contents.
func TestRoundTripCoverage(t *testing.T) {
	c := New(Config{ChunkSize: 80, ChunkOverlap: 10, MinChunkSize: 5})

	var sentences []string
	for i := 0; i < 12; i++ {
		sentences = append(sentences, fmt.Sprintf("Unique marker m%dx appears in sentence %d.", i, i))
	}
	input := strings.Join(sentences, " ")
	chunks, err := c.Chunk([]extractor.Segment{{Text: input}})
	if err != nil {
		t.Fatal(err)
	}

	var all strings.Builder
	for _, ch := range chunks {
		all.WriteString(ch.Content)
		all.WriteString(" ")
	}
	joined := all.String()
	for i := 0; i < 12; i++ {
		marker := fmt.Sprintf("m%dx", i)
		if !strings.Contains(joined, marker) {
			t.Errorf("marker %s missing from chunked output", marker)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one", 2},              // ceil(1 * 1.3)
		{"one two three", 4},    // ceil(3 * 1.3)
		{"  spaced   out  ", 3}, // ceil(2 * 1.3)
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("First one. Second one? Third!")
	want := []string{"First one.", "Second one?", "Third!"}
	if len(got) != len(want) {
		t.Fatalf("got %d sentences: %v", len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
}
