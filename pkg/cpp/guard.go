package cpp

import "strings"

// detectIncludeGuard recognizes the canonical include-guard forms:
//
//	#ifndef GUARD            #if !defined(GUARD)
//	#define GUARD             #define GUARD
//	  ...                      ...
//	#endif                   #endif
//
// The whole file must be one such block: nothing but whitespace and
// comments outside it, and the opening conditional must match the
// closing #endif. Any other conjunction (||, &&, extra conditions)
// disables the optimization. Returns the guard macro, or "".
//
// `#pragma once` anywhere at the top level also guards the file; it
// is handled separately by the parser.
func detectIncludeGuard(lines []logicalLine) string {
	guard := ""
	depth := 0
	sawGuardOpen := false
	closed := false

	for _, ll := range lines {
		text := strings.TrimSpace(ll.text)
		if text == "" {
			continue
		}
		if closed {
			// Content after the closing #endif breaks the pattern.
			return ""
		}
		if !strings.HasPrefix(text, "#") {
			if !sawGuardOpen {
				return ""
			}
			continue
		}
		directive := strings.TrimSpace(text[1:])
		name, rest, _ := strings.Cut(directive, " ")
		rest = strings.TrimSpace(rest)

		if !sawGuardOpen {
			switch name {
			case "ifndef":
				tokens := tokenize(rest)
				if len(tokens) != 1 || tokens[0].Type != TokenIdentifier {
					return ""
				}
				guard = tokens[0].Value
			case "if":
				// Only the exact form `!defined(GUARD)` / `!defined
				// GUARD` qualifies.
				tokens := tokenize(rest)
				g, ok := matchNotDefined(tokens)
				if !ok {
					return ""
				}
				guard = g
			default:
				return ""
			}
			sawGuardOpen = true
			depth = 1
			continue
		}

		switch name {
		case "if", "ifdef", "ifndef":
			depth++
		case "endif":
			depth--
			if depth == 0 {
				closed = true
			}
		}
	}

	if sawGuardOpen && closed {
		return guard
	}
	return ""
}

// matchNotDefined matches exactly `! defined ( G )` or `! defined G`.
func matchNotDefined(tokens []Token) (string, bool) {
	if len(tokens) < 2 || !tokens[0].IsPunct("!") || !tokens[1].IsIdent("defined") {
		return "", false
	}
	rest := tokens[2:]
	if len(rest) == 1 && rest[0].Type == TokenIdentifier {
		return rest[0].Value, true
	}
	if len(rest) == 3 && rest[0].IsPunct("(") &&
		rest[1].Type == TokenIdentifier && rest[2].IsPunct(")") {
		return rest[1].Value, true
	}
	return "", false
}
