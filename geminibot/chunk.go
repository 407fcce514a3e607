package geminibot

import "unicode/utf8"

// ChunkResponse splits text into consecutive chunks of at most maxLength
// characters. Joining the chunks reproduces text exactly, including any
// invalid UTF-8 bytes, which count as one character each. Text that
// already fits (including the empty string) is returned as a single
// chunk, as is any text when maxLength isn't positive.
func ChunkResponse(text string, maxLength int) []string {
	if maxLength <= 0 || utf8.RuneCountInString(text) <= maxLength {
		return []string{text}
	}

	chunks := make([]string, 0, utf8.RuneCountInString(text)/maxLength+1)
	start, count := 0, 0
	for i := 0; i < len(text); {
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
		count++
		if count == maxLength {
			chunks = append(chunks, text[start:i])
			start, count = i, 0
		}
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}
