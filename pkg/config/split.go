package config

import (
	"strings"
	"unicode"
)

// SplitQuotedFields is like strings.Fields but keeps spaces inside areas
// surrounded by the quote character. Inside quotes a backslash escapes the
// next character, so "a\"b" is the single field a"b.
func SplitQuotedFields(in string, quote rune) []string {
	const (
		inSpace = iota
		inField
		inQuote
		inQuoteEscaped
	)
	state := inSpace
	r := []string{}
	var field strings.Builder

	for _, ch := range in {
		switch state {
		case inSpace, inField:
			switch {
			case ch == quote:
				state = inQuote
			case unicode.IsSpace(ch):
				if state == inField {
					r = append(r, field.String())
					field.Reset()
				}
				state = inSpace
			default:
				field.WriteRune(ch)
				state = inField
			}
		case inQuote:
			switch ch {
			case quote:
				state = inField
			case '\\':
				state = inQuoteEscaped
			default:
				field.WriteRune(ch)
			}
		case inQuoteEscaped:
			field.WriteRune(ch)
			state = inQuote
		}
	}

	if state != inSpace {
		r = append(r, field.String())
	}
	return r
}
