// Package outbound implements the delivery pipeline between the agent and
// the channel adapters: reply chunking against per-channel caps, media
// loading and recompression, and per-send retry with backoff.
package outbound

import "strings"

// DefaultTextLimit is used for channels that don't declare their own cap.
const DefaultTextLimit = 4000

// TextLimiter is implemented by channels with a platform message-size cap
// different from the default.
type TextLimiter interface {
	TextLimit() int
}

// SplitMessage splits text into fragments no longer than limit, breaking at
// line boundaries and, for a line longer than the limit, at word boundaries.
// A fenced code block that fits in one fragment is never split: it starts a
// fresh fragment when the current one has no room for it. A longer block is
// broken with a closing fence and reopened in the next fragment so every
// fragment renders.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultTextLimit
	}
	if len(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	inFence := false
	fenceHeader := ""

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		out := cur.String()
		cur.Reset()
		if inFence {
			// Close the fence so this fragment renders; the next fragment
			// reopens it with the same info string.
			out = strings.TrimRight(out, "\n") + "\n```"
		}
		chunks = append(chunks, strings.TrimRight(out, "\n"))
		if inFence {
			cur.WriteString(fenceHeader)
			cur.WriteByte('\n')
		}
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if isFenceLine(line) {
			if !inFence {
				fenceHeader = line
				// Move a block that fits in one fragment, but not in the
				// current one, to a fresh fragment.
				blockLen := len(line) + 1
				for _, l := range lines[i+1:] {
					blockLen += len(l) + 1
					if isFenceLine(l) {
						break
					}
				}
				if cur.Len()+blockLen > limit && blockLen <= limit {
					flush()
				}
			}
			// Entering or leaving a fence; keep the marker with its block.
			if cur.Len()+len(line)+1 > limit {
				flush()
			}
			cur.WriteString(line)
			cur.WriteByte('\n')
			inFence = !inFence
			continue
		}

		room := limit
		if inFence {
			room -= len("\n```") // the closing fence flush() appends
		}
		if cur.Len()+len(line)+1 <= room {
			cur.WriteString(line)
			cur.WriteByte('\n')
			continue
		}

		// Line doesn't fit in the current chunk.
		if len(line)+16 <= limit {
			flush()
			cur.WriteString(line)
			cur.WriteByte('\n')
			continue
		}

		// Single line longer than the cap: split on words, then hard-cut.
		for len(line) > 0 {
			space := room - cur.Len() - 1
			if space < limit/4 {
				flush()
				space = room - cur.Len() - 1
			}
			if len(line) <= space {
				cur.WriteString(line)
				cur.WriteByte('\n')
				break
			}
			cut := strings.LastIndexByte(line[:space], ' ')
			if cut < space/2 {
				cut = space
			}
			cur.WriteString(line[:cut])
			cur.WriteByte('\n')
			line = strings.TrimLeft(line[cut:], " ")
			flush()
		}
	}
	flush()
	return chunks
}

func isFenceLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "```")
}
