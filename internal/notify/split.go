package notify

import "strings"

// Split breaks text into ordered chunks of at most maxLen bytes each.
// Chunks are cut on line boundaries where possible so each piece stays
// independently readable; a single overlong line is hard-split. The
// concatenation of all chunks reproduces the original text exactly.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 || len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		// Prefer the last newline inside the window. The newline stays at
		// the end of the current chunk so concatenation is lossless.
		if idx := strings.LastIndexByte(text[:maxLen], '\n'); idx > 0 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}
