package wecom

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// textChunkBytes is the per-message text limit of the WeCom send APIs.
const textChunkBytes = 2048

// SplitTextByBytes cuts text into pieces of at most maxBytes UTF-8 bytes,
// preferring paragraph breaks, then line breaks, then any rune boundary.
// With markers, pieces are prefixed "[N/M] " when there is more than one.
func SplitTextByBytes(text string, maxBytes int, markers bool) []string {
	if text == "" {
		return nil
	}
	if len(text) <= maxBytes {
		return []string{text}
	}

	limit := maxBytes
	if markers {
		width := len(strconv.Itoa((len(text) + maxBytes - 1) / maxBytes))
		markerBytes := len(fmt.Sprintf("[%s/%s] ", strings.Repeat("9", width), strings.Repeat("9", width)))
		if maxBytes-markerBytes <= 0 {
			return SplitTextByBytes(text, maxBytes, false)
		}
		limit = maxBytes - markerBytes
	}

	var chunks []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= limit {
			chunks = append(chunks, remaining)
			break
		}
		cut := splitPoint(remaining, limit)
		chunks = append(chunks, remaining[:cut])
		remaining = strings.TrimLeft(remaining[cut:], " \t\r\n")
	}

	if !markers || len(chunks) < 2 {
		return chunks
	}
	width := len(strconv.Itoa(len(chunks)))
	for i, c := range chunks {
		chunks[i] = fmt.Sprintf("[%0*d/%d] %s", width, i+1, len(chunks), c)
	}
	return chunks
}

// splitPoint returns a byte offset in (0, maxBytes] on a rune boundary.
func splitPoint(s string, maxBytes int) int {
	end := maxBytes
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	if end == 0 {
		// a single rune wider than the limit
		_, size := utf8.DecodeRuneInString(s)
		return size
	}

	window := s[:end]
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i
	}
	if i := strings.LastIndexByte(window, '\n'); i >= end/2 {
		return i + 1
	}
	return end
}
