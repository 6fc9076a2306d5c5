package cpp

import "strings"

// hideSet implements the classical blue-paint discipline: a macro does
// not expand recursively within its own expansion.
type hideSet map[string]bool

func (h hideSet) with(name string) hideSet {
	nh := make(hideSet, len(h)+1)
	for k := range h {
		nh[k] = true
	}
	nh[name] = true
	return nh
}

// Expand fully macro-expands tokens against the current macro table.
func (p *Parser) Expand(tokens []Token) []Token {
	return p.expand(tokens, nil)
}

func (p *Parser) expand(tokens []Token, hs hideSet) []Token {
	var out []Token
	i := 0
	for i < len(tokens) {
		t := tokens[i]
		if t.Type != TokenIdentifier || hs[t.Value] {
			out = append(out, t)
			i++
			continue
		}
		macro, ok := p.macros[t.Value]
		if !ok {
			out = append(out, t)
			i++
			continue
		}

		switch macro.Kind {
		case MacroObject:
			body := p.substitute(macro, nil)
			out = append(out, p.expand(body, hs.with(macro.Name))...)
			i++

		case MacroFunction:
			// A function-like macro expands only when followed by
			// '('.
			if i+1 >= len(tokens) || !tokens[i+1].IsPunct("(") {
				out = append(out, t)
				i++
				continue
			}
			args, consumed, ok := collectArgs(tokens[i+1:])
			if !ok {
				// Unbalanced call; leave as-is.
				out = append(out, t)
				i++
				continue
			}
			if !macro.IsVariadic && len(args) != len(macro.Params) &&
				!(len(macro.Params) == 0 && len(args) == 1 && len(args[0]) == 0) {
				p.errorf("macro is referred with wrong number of arguments:%s", macro.Name)
				out = append(out, t)
				i++
				continue
			}
			// Arguments are pre-expanded except where they feed # or
			// ##; substitute handles that distinction.
			expanded := make([][]Token, len(args))
			for ai, arg := range args {
				expanded[ai] = p.expand(arg, hs)
			}
			body := p.substituteFunc(macro, args, expanded)
			out = append(out, p.expand(body, hs.with(macro.Name))...)
			i += 1 + consumed
		}
	}
	return out
}

// collectArgs parses a macro argument list starting at '('. Returns
// the raw token sequence per argument and how many tokens were
// consumed (including both parens).
func collectArgs(tokens []Token) (args [][]Token, consumed int, ok bool) {
	if len(tokens) == 0 || !tokens[0].IsPunct("(") {
		return nil, 0, false
	}
	depth := 1
	var cur []Token
	i := 1
	for i < len(tokens) {
		t := tokens[i]
		switch {
		case t.IsPunct("("):
			depth++
			cur = append(cur, t)
		case t.IsPunct(")"):
			depth--
			if depth == 0 {
				args = append(args, cur)
				return args, i + 1, true
			}
			cur = append(cur, t)
		case t.IsPunct(",") && depth == 1:
			args = append(args, cur)
			cur = nil
		default:
			cur = append(cur, t)
		}
		i++
	}
	return nil, 0, false
}

// substitute expands an object-like macro body (no parameters).
func (p *Parser) substitute(macro *Macro, _ [][]Token) []Token {
	return applyPaste(macro.Body)
}

// substituteFunc replaces parameters in a function-like macro body,
// applying stringize and token paste.
func (p *Parser) substituteFunc(macro *Macro, raw [][]Token, expanded [][]Token) []Token {
	paramIndex := func(name string) int {
		for i, pn := range macro.Params {
			if pn == name {
				return i
			}
		}
		return -1
	}

	varArgs := func(pre bool) []Token {
		var out []Token
		source := raw
		if pre {
			source = expanded
		}
		for i := len(macro.Params); i < len(source); i++ {
			if i > len(macro.Params) {
				out = append(out, punct(","))
			}
			out = append(out, source[i]...)
		}
		return out
	}

	argFor := func(t Token, pre bool) ([]Token, bool) {
		if t.Type != TokenIdentifier {
			return nil, false
		}
		if macro.IsVariadic && t.Value == "__VA_ARGS__" {
			return varArgs(pre), true
		}
		if idx := paramIndex(t.Value); idx >= 0 {
			if pre {
				if idx < len(expanded) {
					return expanded[idx], true
				}
				return nil, true
			}
			if idx < len(raw) {
				return raw[idx], true
			}
			return nil, true
		}
		return nil, false
	}

	var out []Token
	body := macro.Body
	for i := 0; i < len(body); i++ {
		t := body[i]

		// Stringize: # param
		if t.IsPunct("#") && i+1 < len(body) {
			if arg, ok := argFor(body[i+1], false); ok {
				out = append(out, stringToken(TokensText(arg)))
				i++
				continue
			}
		}

		// Operands of ## are substituted without pre-expansion.
		nextIsPaste := i+1 < len(body) && body[i+1].IsPunct("##")
		prevWasPaste := len(out) > 0 && i > 0 && body[i-1].IsPunct("##")
		if arg, ok := argFor(t, !(nextIsPaste || prevWasPaste)); ok {
			out = append(out, arg...)
			continue
		}
		out = append(out, t)
	}
	return applyPaste(out)
}

// applyPaste resolves ## by concatenating neighbor tokens into one.
func applyPaste(tokens []Token) []Token {
	var out []Token
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if t.IsPunct("##") && len(out) > 0 && i+1 < len(tokens) {
			left := out[len(out)-1]
			right := tokens[i+1]
			out = out[:len(out)-1]
			out = append(out, pasteTokens(left, right))
			i++
			continue
		}
		out = append(out, t)
	}
	return out
}

// pasteTokens concatenates the spellings and retokenizes. If the
// result is not a single valid token, the concatenated spelling is
// kept as one identifier-ish token.
func pasteTokens(a, b Token) Token {
	text := a.Text() + b.Text()
	toks := tokenize(text)
	if len(toks) == 1 {
		return toks[0]
	}
	return Token{Type: TokenIdentifier, Value: strings.TrimSpace(text)}
}
