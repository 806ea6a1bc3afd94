// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package detection

import "unicode/utf8"

// Sliding-window pre-processing. Overlong conversations are split into
// overlapping windows so each GenAI call stays under the safety model's
// context. Character count stands in for tokens at a 4:1 ratio.

const (
	charsPerToken = 4
	// windowOverlap keeps this many characters of the previous window's
	// tail so matches spanning a boundary are still seen.
	windowOverlapChars = 512
)

// window is one bounded slice of conversation text.
type window struct {
	messages []windowMessage
}

type windowMessage struct {
	role string
	text string
}

// buildWindows splits the conversation into windows of at most
// maxContextTokens (character proxy). Whole messages are kept together when
// they fit; a single overlong message is chunked with overlap.
func buildWindows(msgs []Message, maxContextTokens int) ([]window, error) {
	budget := maxContextTokens * charsPerToken
	if budget <= windowOverlapChars {
		budget = windowOverlapChars * 2
	}

	var flat []windowMessage
	for i := range msgs {
		text, err := msgs[i].Text()
		if err != nil {
			return nil, err
		}
		if text == "" {
			continue
		}
		flat = append(flat, windowMessage{role: msgs[i].Role, text: text})
	}

	var windows []window
	var current window
	used := 0

	flush := func() {
		if len(current.messages) > 0 {
			windows = append(windows, current)
			current = window{}
			used = 0
		}
	}

	for _, m := range flat {
		if len(m.text) > budget {
			flush()
			for start := 0; start < len(m.text); {
				end := start + budget
				if end > len(m.text) {
					end = len(m.text)
				} else {
					// never cut a multi-byte rune in half
					end = runeFloor(m.text, end)
				}
				windows = append(windows, window{messages: []windowMessage{{role: m.role, text: m.text[start:end]}}})
				if end == len(m.text) {
					break
				}
				start = runeFloor(m.text, end-windowOverlapChars)
			}
			continue
		}
		if used+len(m.text) > budget {
			// carry the previous tail into the next window for overlap
			tail := current.messages[len(current.messages)-1]
			flush()
			if len(tail.text) <= windowOverlapChars {
				current.messages = append(current.messages, tail)
				used = len(tail.text)
			}
		}
		current.messages = append(current.messages, m)
		used += len(m.text)
	}
	flush()

	return windows, nil
}

// runeFloor backs a byte offset off to the start of the rune containing it,
// so chunk boundaries always land on valid UTF-8.
func runeFloor(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// lastRole reports the role of the conversation's final message, which
// decides the scan direction (user -> prompt, assistant -> response).
func lastRole(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Role
}
