package pipeline

import "strings"

const (
	defaultChunkSize = 1000
	defaultOverlap   = 200
)

// ChunkText splits text into overlapping windows of at most chunkSize
// characters, preferring to end a chunk at a sentence boundary. The
// boundary search covers the back half of the window: the latest period
// wins, then the latest newline, then a hard cut.
func ChunkText(text string, chunkSize, overlap int) []string {
	if text == "" {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = defaultOverlap
		if overlap >= chunkSize {
			overlap = chunkSize / 5
		}
	}

	var chunks []string
	p := 0
	for p < len(text) {
		if p+chunkSize >= len(text) {
			chunks = append(chunks, text[p:])
			break
		}

		end := p + chunkSize
		half := p + chunkSize/2
		window := text[half:end]
		if i := strings.LastIndexByte(window, '.'); i >= 0 {
			end = half + i + 1
		} else if i := strings.LastIndexByte(window, '\n'); i >= 0 {
			end = half + i + 1
		}
		chunks = append(chunks, text[p:end])

		next := end - overlap
		if next <= p {
			next = end
		}
		p = next
	}
	return chunks
}
