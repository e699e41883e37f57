package engine

import "strings"

// BufferKind selects which of a session's two logical buffers an operation
// targets. The general output transcript and the interactive terminal stream
// are cursored and windowed independently.
type BufferKind int

const (
	BufferOutput BufferKind = iota
	BufferTerminal
)

func (k BufferKind) String() string {
	if k == BufferTerminal {
		return "terminal"
	}
	return "output"
}

// Rendering windows. Only the most recent chunks are materialized for
// display; the authoritative session cache keeps everything. The terminal
// buffer gets a smaller window because its redraws are costlier.
const (
	outputWindowItems   = 150
	terminalWindowItems = 100

	outputBatchSize   = 50
	terminalBatchSize = 15
)

// windowFor returns the rendering window size for a buffer kind.
func windowFor(kind BufferKind) int {
	if kind == BufferTerminal {
		return terminalWindowItems
	}
	return outputWindowItems
}

// batchFor returns the concatenation batch size for a buffer kind.
func batchFor(kind BufferKind) int {
	if kind == BufferTerminal {
		return terminalBatchSize
	}
	return outputBatchSize
}

// AssembleWindow concatenates the most recent maxItems chunks into one
// string. Chunks are first joined in fixed-size batches, and the batches are
// then merged pairwise up the chain, so no intermediate string is rebuilt
// once per chunk.
func AssembleWindow(chunks []string, maxItems, batchSize int) string {
	if len(chunks) == 0 {
		return ""
	}
	if maxItems > 0 && len(chunks) > maxItems {
		chunks = chunks[len(chunks)-maxItems:]
	}
	if batchSize <= 0 {
		batchSize = outputBatchSize
	}
	if len(chunks) <= batchSize {
		return strings.Join(chunks, "")
	}

	batches := make([]string, 0, (len(chunks)+batchSize-1)/batchSize)
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, strings.Join(chunks[start:end], ""))
	}

	// Pairwise merge until one batch remains.
	for len(batches) > 1 {
		merged := make([]string, 0, (len(batches)+1)/2)
		for i := 0; i < len(batches); i += 2 {
			if i+1 < len(batches) {
				merged = append(merged, batches[i]+batches[i+1])
			} else {
				merged = append(merged, batches[i])
			}
		}
		batches = merged
	}
	return batches[0]
}

// assembleFor renders a session's chunk sequence with the window and batch
// size appropriate to the buffer kind.
func assembleFor(kind BufferKind, chunks []string) string {
	return AssembleWindow(chunks, windowFor(kind), batchFor(kind))
}
