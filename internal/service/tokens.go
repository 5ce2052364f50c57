package service

import "unicode"

// EstimateTokens approximates a token count without a tokenizer: CJK
// runes count as one token each, everything else as one token per four
// characters. Used only when the upstream omits a usage object; the
// request log marks these counts as locally estimated.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			other++
		}
	}
	tokens := cjk + (other+3)/4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
