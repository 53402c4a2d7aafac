package pipeline

import (
	"strings"
	"testing"
)

func TestChunkTextEmpty(t *testing.T) {
	if got := ChunkText("", 1000, 200); got != nil {
		t.Fatalf("chunks = %v, want nil", got)
	}
}

func TestChunkTextShortInput(t *testing.T) {
	chunks := ChunkText("short text.", 1000, 200)
	if len(chunks) != 1 || chunks[0] != "short text." {
		t.Fatalf("chunks = %v", chunks)
	}
}

func TestChunkTextSentenceBoundary(t *testing.T) {
	text := strings.Repeat("a", 2500) + ". " + strings.Repeat("b", 500)
	chunks := ChunkText(text, 1000, 200)

	if len(chunks) != 4 {
		t.Fatalf("chunk count = %d, want 4", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 1000 {
			t.Fatalf("chunk %d length = %d, exceeds 1000", i, len(c))
		}
	}
	// The period at offset 2500 falls into the back half of the third
	// window, so that chunk ends right after it.
	if !strings.HasSuffix(chunks[2], "a.") {
		t.Fatalf("chunk 2 does not end at the period: ...%q", chunks[2][len(chunks[2])-5:])
	}

	// Dropping each chunk's leading overlap reconstructs the input.
	rebuilt := chunks[0]
	for _, c := range chunks[1:] {
		rebuilt += c[200:]
	}
	if rebuilt != text {
		t.Fatalf("reconstruction mismatch: got %d chars, want %d", len(rebuilt), len(text))
	}
}

func TestChunkTextNewlineFallback(t *testing.T) {
	// No periods anywhere; a newline in the back half of the window
	// becomes the cut point.
	text := strings.Repeat("x", 700) + "\n" + strings.Repeat("y", 600)
	chunks := ChunkText(text, 1000, 200)

	if len(chunks) < 2 {
		t.Fatalf("chunk count = %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Fatalf("chunk 0 does not end at the newline")
	}
}

func TestChunkTextHardCut(t *testing.T) {
	text := strings.Repeat("z", 1500)
	chunks := ChunkText(text, 1000, 200)

	if len(chunks) != 2 {
		t.Fatalf("chunk count = %d, want 2", len(chunks))
	}
	if len(chunks[0]) != 1000 {
		t.Fatalf("chunk 0 length = %d, want 1000", len(chunks[0]))
	}
	if len(chunks[1]) != 700 {
		t.Fatalf("chunk 1 length = %d, want 700", len(chunks[1]))
	}
}
