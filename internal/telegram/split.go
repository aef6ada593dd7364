// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package telegram

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxMessageLength is the longest message text Telegram accepts, in runes.
const MaxMessageLength = 4096

// Split splits text into chunks no longer than [MaxMessageLength], preferring
// to break at newlines and then at other whitespace.
func Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= MaxMessageLength {
			chunks = append(chunks, text)
			break
		}

		var (
			lastNewline    = -1
			lastWhitespace = -1
			byteCap        = len(text)
			runeCount      int
		)
		for i, r := range text {
			if runeCount == MaxMessageLength {
				byteCap = i
				break
			}
			runeCount++

			if r == '\n' {
				lastNewline = i
			} else if unicode.IsSpace(r) {
				lastWhitespace = i
			}
		}

		splitAt := byteCap
		switch {
		case lastNewline > 0:
			splitAt = lastNewline
		case lastWhitespace > 0:
			splitAt = lastWhitespace
		}

		if chunk := strings.TrimSpace(text[:splitAt]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimSpace(text[splitAt:])
	}
	return chunks
}
