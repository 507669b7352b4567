package streaming

import (
	"strings"
	"testing"
)

func TestChunkShortTextPassesThrough(t *testing.T) {
	got := Chunk("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("expected single untouched chunk, got %v", got)
	}
}

func TestChunkPreservesCodeFences(t *testing.T) {
	text := "intro text\n```go\nfunc main() {}\n```\noutro text"
	got := Chunk(text, 1000)
	if len(got) != 1 {
		t.Fatalf("expected text to fit in one chunk, got %d: %v", len(got), got)
	}
	if strings.Count(got[0], "```") != 2 {
		t.Errorf("expected fence markers preserved intact, got %q", got[0])
	}
}

func TestChunkResplitsOversizedFence(t *testing.T) {
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, "line of code that takes up some space here")
	}
	body := strings.Join(lines, "\n")
	text := "```go\n" + body + "\n```"

	got := Chunk(text, 200)
	if len(got) < 2 {
		t.Fatalf("expected the oversized fence to be split into multiple chunks, got %d", len(got))
	}
	for _, c := range got {
		if !strings.HasPrefix(c, "```go") || !strings.HasSuffix(c, "```") {
			t.Errorf("expected every re-wrapped chunk to carry its own fence, got %q", c)
		}
		if len([]rune(c)) > 200 {
			t.Errorf("chunk exceeds budget: %d runes", len([]rune(c)))
		}
	}
}

func TestChunkFallsBackOnUnbalancedFence(t *testing.T) {
	text := "some ``` stray marker\n\nnext paragraph that is long enough to force a split here for sure and more words"
	got := Chunk(text, 40)
	if len(got) < 2 {
		t.Fatalf("expected fallback split on ambiguous fence markers, got %v", got)
	}
}

func TestChunkSplitsAtParagraphBoundary(t *testing.T) {
	text := strings.Repeat("first paragraph words here. ", 3) + "\n\n" + strings.Repeat("second paragraph words here. ", 3)
	got := Chunk(text, 90)
	if len(got) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d: %v", len(got), got)
	}
	for _, c := range got {
		if len([]rune(c)) > 90 {
			t.Errorf("chunk exceeds budget: %q", c)
		}
	}
}

func TestChunkSplitsAtSentenceBoundary(t *testing.T) {
	text := "Sentence one is here. Sentence two is here. Sentence three is here. Sentence four is here."
	got := Chunk(text, 45)
	if len(got) < 2 {
		t.Fatalf("expected sentence-level split, got %v", got)
	}
}

func TestChunkHardCutsWhenNoBoundaryFits(t *testing.T) {
	text := strings.Repeat("a", 100)
	got := Chunk(text, 30)
	if len(got) != 4 {
		t.Fatalf("expected 4 hard-cut chunks, got %d: %v", len(got), got)
	}
}

func TestWithIndicatorsPrefixesEachChunk(t *testing.T) {
	chunks := []string{"a", "b", "c"}
	got := WithIndicators(chunks)
	if got[0] != "[1/3]\na" || got[2] != "[3/3]\nc" {
		t.Errorf("unexpected indicator prefixes: %v", got)
	}
}
