package cpp

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Maximum include nesting before the chain is declared runaway.
const maxIncludeDepth = 1024

// IncludeObserver resolves includes against the real filesystem (or a
// test fixture). HandleInclude loads the resolved file and feeds it
// back via AddFileInput; it returns false when the file cannot be
// found. HasInclude answers __has_include probes.
type IncludeObserver interface {
	HandleInclude(path, currentDir, currentFile string, quoteChar byte, includeDirIndex int) bool
	HasInclude(path, currentDir, currentFile string, quoteChar byte, includeDirIndex int) bool
}

// ErrorObserver receives non-fatal parse errors. Parsing continues
// past the offending directive; the observer decides whether to
// abort.
type ErrorObserver interface {
	HandleError(msg string)
}

// condition is one entry of the #if nesting stack.
type condition struct {
	taken    bool // some branch of this chain was taken
	active   bool // the current branch is being processed
	inElse   bool
	openLine int
}

// fileInput is one entry of the input stack.
type fileInput struct {
	path     string
	dirIndex int
	lines    []logicalLine
	idx      int
	guard    string
	condBase int
	recorder *envRecorder
	cacheKey envCacheKey
}

// Parser scans preprocessor directives to compute the include set.
type Parser struct {
	macros macroTable

	inputs []*fileInput
	conds  []condition

	includeObserver IncludeObserver
	errorObserver   ErrorObserver
	compilerInfo    *CompilerInfo
	envCache        *MacroEnvCache

	// processedFiles maps (dirIndex, path) to the file's include
	// guard; "" means #pragma once.
	processedFiles map[string]string

	cplusplus  bool
	errorCount int
}

// NewParser creates an empty parser in C++ mode.
func NewParser() *Parser {
	return &Parser{
		macros:         make(macroTable),
		processedFiles: make(map[string]string),
		cplusplus:      true,
	}
}

// SetIncludeObserver installs the include resolver.
func (p *Parser) SetIncludeObserver(o IncludeObserver) { p.includeObserver = o }

// SetErrorObserver installs the error sink.
func (p *Parser) SetErrorObserver(o ErrorObserver) { p.errorObserver = o }

// SetCompilerInfo installs the __has_* side table.
func (p *Parser) SetCompilerInfo(ci *CompilerInfo) {
	p.compilerInfo = ci
	if ci != nil && ci.PredefinedMacros != "" {
		p.AddPredefinedMacros(ci.PredefinedMacros)
	}
}

// SetMacroEnvCache installs the shared macro-environment cache.
func (p *Parser) SetMacroEnvCache(c *MacroEnvCache) { p.envCache = c }

// SetIsCPlusPlus switches between C++ and C evaluation modes; in C
// mode true/false are ordinary (undefined) identifiers.
func (p *Parser) SetIsCPlusPlus(b bool) { p.cplusplus = b }

// ErrorCount returns the number of reported errors.
func (p *Parser) ErrorCount() int { return p.errorCount }

func processedKey(path string, dirIndex int) string {
	return fmt.Sprintf("%d\x00%s", dirIndex, path)
}

// IsProcessedFile reports whether the file can be skipped outright:
// it was fully scanned before, its include guard is still defined (or
// it is `#pragma once`).
func (p *Parser) IsProcessedFile(path string, dirIndex int) bool {
	guard, ok := p.processedFiles[processedKey(path, dirIndex)]
	if !ok {
		return false
	}
	if guard == "" { // pragma once
		return true
	}
	_, defined := p.macros[guard]
	return defined
}

// AddStringInput pushes top-level source text (dir index 0).
func (p *Parser) AddStringInput(content, path string) {
	p.AddFileInput([]byte(content), path, 0)
}

// AddFileInput pushes one file onto the input stack. A macro-env
// cache hit replays the file's recorded effects instead.
func (p *Parser) AddFileInput(content []byte, path string, dirIndex int) {
	if len(p.inputs) >= maxIncludeDepth {
		p.errorf("too deep include nesting (depth > %d)", maxIncludeDepth)
		return
	}

	var key envCacheKey
	if p.envCache != nil {
		key = envCacheKey{path: path, dirIndex: dirIndex, envHash: envFingerprint(p.macros)}
		if entry := p.envCache.get(key); entry != nil {
			p.replayCached(entry)
			return
		}
	}

	lines := splitLogicalLines(string(content))
	in := &fileInput{
		path:     path,
		dirIndex: dirIndex,
		lines:    lines,
		guard:    detectIncludeGuard(lines),
		condBase: len(p.conds),
		cacheKey: key,
	}
	if p.envCache != nil {
		in.recorder = &envRecorder{}
	}
	p.inputs = append(p.inputs, in)
}

// replayCached applies a previous scan's effects: the macro delta,
// then the top-level include events (children are guard-skipped or
// re-resolved by the observer).
func (p *Parser) replayCached(entry *envEntry) {
	for _, op := range entry.ops {
		if op.define {
			p.macros[op.macro.Name] = op.macro
		} else {
			delete(p.macros, op.name)
		}
	}
	if p.includeObserver != nil {
		floor := len(p.inputs)
		for _, inc := range entry.includes {
			p.includeObserver.HandleInclude(inc.path, inc.dir, inc.file, inc.quote, inc.dirIndex)
			p.processStackAbove(floor)
		}
	}
}

func (p *Parser) current() *fileInput {
	if len(p.inputs) == 0 {
		return nil
	}
	return p.inputs[len(p.inputs)-1]
}

func (p *Parser) currentFile() string {
	if in := p.current(); in != nil {
		return in.path
	}
	return ""
}

func (p *Parser) currentDir() string {
	if in := p.current(); in != nil {
		return filepath.Dir(in.path)
	}
	return ""
}

func (p *Parser) currentDirIndex() int {
	if in := p.current(); in != nil {
		return in.dirIndex
	}
	return 0
}

func (p *Parser) currentLine() int {
	in := p.current()
	if in == nil {
		return 0
	}
	if in.idx == 0 {
		if len(in.lines) > 0 {
			return in.lines[0].line
		}
		return 1
	}
	if in.idx-1 < len(in.lines) {
		return in.lines[in.idx-1].line
	}
	return 0
}

// errorf reports a non-fatal error in the canonical form
// `CppParser((file):line) <text>` and continues.
func (p *Parser) errorf(format string, args ...interface{}) {
	p.errorfAt(p.currentLine(), format, args...)
}

// errorfAt is errorf with an explicit line number.
func (p *Parser) errorfAt(line int, format string, args ...interface{}) {
	p.errorCount++
	msg := fmt.Sprintf("CppParser(%s:%d) %s",
		p.currentFile(), line, fmt.Sprintf(format, args...))
	if p.errorObserver != nil {
		p.errorObserver.HandleError(msg)
	}
	if in := p.current(); in != nil && in.recorder != nil {
		p.taintRecorders()
	}
}

// taintRecorders marks every active recorder uncacheable.
func (p *Parser) taintRecorders() {
	for _, in := range p.inputs {
		if in.recorder != nil {
			in.recorder.tainted = true
		}
	}
}

// recordOp appends a macro mutation to every active recorder, so each
// enclosing file's cache entry captures the net effect of its
// includes.
func (p *Parser) recordOp(op macroOp) {
	for _, in := range p.inputs {
		if in.recorder != nil {
			in.recorder.ops = append(in.recorder.ops, op)
		}
	}
}

// recordInclude appends an include event to the innermost recorder
// only; deeper effects are already covered by the macro ops.
func (p *Parser) recordInclude(ev includeEvent) {
	if in := p.current(); in != nil && in.recorder != nil {
		in.recorder.includes = append(in.recorder.includes, ev)
	}
}

// ProcessDirectives scans all pushed inputs to completion. Returns
// false when errors were observed.
func (p *Parser) ProcessDirectives() bool {
	p.processStackAbove(0)
	return p.errorCount == 0
}

// processStackAbove drains the input stack down to the given depth,
// so a nested replay does not consume its enclosing file's lines.
func (p *Parser) processStackAbove(floor int) {
	for len(p.inputs) > floor {
		in := p.current()
		if in.idx >= len(in.lines) {
			p.popInput()
			continue
		}
		ll := in.lines[in.idx]
		in.idx++
		text := strings.TrimSpace(ll.text)
		if !strings.HasPrefix(text, "#") {
			continue
		}
		p.processDirective(text[1:])
	}
}

// popInput finishes the current file: unbalanced conditionals are
// reported, the include guard is recorded, and the env-cache entry is
// stored.
func (p *Parser) popInput() {
	in := p.current()
	if len(p.conds) > in.condBase {
		p.errorfAt(p.conds[len(p.conds)-1].openLine, "missing #endif")
		p.conds = p.conds[:in.condBase]
	}
	key := processedKey(in.path, in.dirIndex)
	if in.guard != "" {
		p.processedFiles[key] = in.guard
	}
	if in.recorder != nil && !in.recorder.tainted && p.envCache != nil && in.cacheKey.path != "" {
		p.envCache.put(in.cacheKey, &envEntry{
			ops:      in.recorder.ops,
			includes: in.recorder.includes,
		})
	}
	p.inputs = p.inputs[:len(p.inputs)-1]
}

// skipping reports whether the current conditional context suppresses
// directives other than conditionals themselves.
func (p *Parser) skipping() bool {
	for _, c := range p.conds {
		if !c.active {
			return true
		}
	}
	return false
}

// processDirective handles one `#...` line (leading '#' removed).
func (p *Parser) processDirective(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return // null directive
	}
	name := text
	rest := ""
	for i := 0; i < len(text); i++ {
		if !isIdentChar(text[i]) {
			name = text[:i]
			rest = strings.TrimSpace(text[i:])
			break
		}
	}
	if name == text {
		rest = ""
	}

	switch name {
	case "if":
		p.handleIf(rest)
	case "ifdef":
		p.handleIfdef(rest, false)
	case "ifndef":
		p.handleIfdef(rest, true)
	case "elif":
		p.handleElif(rest)
	case "else":
		p.handleElse()
	case "endif":
		p.handleEndif()
	default:
		if p.skipping() {
			return
		}
		switch name {
		case "include", "import":
			p.handleInclude(rest)
		case "define":
			p.handleDefine(rest)
		case "undef":
			p.handleUndef(rest)
		case "error":
			p.errorf("#error %s", rest)
		case "pragma":
			p.handlePragma(rest)
		case "line":
			// Line markers do not affect include computation.
		default:
			// Unknown directives are ignored, as the scanner only
			// cares about includes and macros.
		}
	}
}

func (p *Parser) handleIf(rest string) {
	if p.skipping() {
		p.conds = append(p.conds, condition{taken: true, active: false, openLine: p.currentLine()})
		return
	}
	v := p.evalCondition(tokenize(rest))
	p.conds = append(p.conds, condition{taken: v, active: v, openLine: p.currentLine()})
}

func (p *Parser) handleIfdef(rest string, negate bool) {
	if p.skipping() {
		p.conds = append(p.conds, condition{taken: true, active: false, openLine: p.currentLine()})
		return
	}
	tokens := tokenize(rest)
	if len(tokens) == 0 || tokens[0].Type != TokenIdentifier {
		p.errorf("expected an identifier after #ifdef/#ifndef")
		p.conds = append(p.conds, condition{taken: false, active: false, openLine: p.currentLine()})
		return
	}
	_, defined := p.macros[tokens[0].Value]
	v := defined != negate
	p.conds = append(p.conds, condition{taken: v, active: v, openLine: p.currentLine()})
}

func (p *Parser) handleElif(rest string) {
	if len(p.conds) == 0 {
		p.errorf("stray #elif")
		return
	}
	top := &p.conds[len(p.conds)-1]
	if top.inElse {
		p.errorf("#elif after #else")
		return
	}
	if top.taken {
		top.active = false
		return
	}
	// Only evaluated when no prior branch was taken and the enclosing
	// context is active.
	p.conds = p.conds[:len(p.conds)-1]
	enclosingActive := !p.skipping()
	p.conds = append(p.conds, *top)
	top = &p.conds[len(p.conds)-1]
	if !enclosingActive {
		return
	}
	v := p.evalCondition(tokenize(rest))
	top.taken = v
	top.active = v
}

func (p *Parser) handleElse() {
	if len(p.conds) == 0 {
		p.errorf("stray #else")
		return
	}
	top := &p.conds[len(p.conds)-1]
	if top.inElse {
		p.errorf("duplicate #else")
		return
	}
	top.inElse = true
	p.conds = p.conds[:len(p.conds)-1]
	enclosingActive := !p.skipping()
	p.conds = append(p.conds, *top)
	top = &p.conds[len(p.conds)-1]
	top.active = enclosingActive && !top.taken
	if top.active {
		top.taken = true
	}
}

func (p *Parser) handleEndif() {
	if len(p.conds) == 0 {
		p.errorf("stray #endif")
		return
	}
	p.conds = p.conds[:len(p.conds)-1]
}

// handleInclude resolves `"path"`, `<path>`, or a macro expansion
// producing either form, and hands the result to the observer.
func (p *Parser) handleInclude(rest string) {
	tokens := tokenize(rest)
	path, quote, ok := parseIncludeTarget(tokens)
	if !ok {
		// Computed includes: expand macros and retry.
		tokens = p.Expand(tokens)
		path, quote, ok = parseIncludeTarget(tokens)
	}
	if !ok || path == "" {
		p.errorf("malformed #include")
		return
	}
	if p.includeObserver == nil {
		return
	}
	ev := includeEvent{
		path:     path,
		dir:      p.currentDir(),
		file:     p.currentFile(),
		quote:    quote,
		dirIndex: p.currentDirIndex(),
	}
	p.recordInclude(ev)
	if !p.includeObserver.HandleInclude(ev.path, ev.dir, ev.file, ev.quote, ev.dirIndex) {
		p.errorf("can not find %c%s%c", quoteOpen(quote), path, quoteClose(quote))
	}
}

func quoteOpen(q byte) byte {
	if q == '<' {
		return '<'
	}
	return '"'
}

func quoteClose(q byte) byte {
	if q == '<' {
		return '>'
	}
	return '"'
}

func parseIncludeTarget(tokens []Token) (path string, quote byte, ok bool) {
	if len(tokens) == 0 {
		return "", 0, false
	}
	if tokens[0].Type == TokenString {
		return tokens[0].Value, '"', true
	}
	if tokens[0].IsPunct("<") {
		var b strings.Builder
		for _, t := range tokens[1:] {
			if t.IsPunct(">") {
				return b.String(), '<', true
			}
			b.WriteString(t.Text())
		}
		return "", 0, false
	}
	return "", 0, false
}

func (p *Parser) handleDefine(rest string) {
	// Function-likeness depends on whether '(' immediately follows
	// the macro name in the source.
	funcLike := false
	for i := 0; i < len(rest); i++ {
		if !isIdentChar(rest[i]) {
			funcLike = rest[i] == '('
			break
		}
	}
	m, ok := parseMacroDefinition(tokenize(rest), funcLike)
	if !ok {
		p.errorf("malformed #define")
		return
	}
	p.macros[m.Name] = m
	p.recordOp(macroOp{define: true, macro: m})
}

func (p *Parser) handleUndef(rest string) {
	tokens := tokenize(rest)
	if len(tokens) == 0 || tokens[0].Type != TokenIdentifier {
		p.errorf("expected an identifier after #undef")
		return
	}
	delete(p.macros, tokens[0].Value)
	p.recordOp(macroOp{define: false, name: tokens[0].Value})
}

func (p *Parser) handlePragma(rest string) {
	if strings.TrimSpace(rest) == "once" {
		if in := p.current(); in != nil {
			p.processedFiles[processedKey(in.path, in.dirIndex)] = ""
		}
	}
}

// AddMacroByString defines an object-like macro as if by
// `#define name body`.
func (p *Parser) AddMacroByString(name, body string) {
	m := &Macro{Name: name, Kind: MacroObject, Body: tokenize(body)}
	p.macros[name] = m
}

// DeleteMacro removes a macro definition.
func (p *Parser) DeleteMacro(name string) {
	delete(p.macros, name)
}

// IsMacroDefined reports whether name is currently defined.
func (p *Parser) IsMacroDefined(name string) bool {
	_, ok := p.macros[name]
	return ok
}

// GetMacro returns the definition of name, or nil.
func (p *Parser) GetMacro(name string) *Macro {
	return p.macros[name]
}

// AddPredefinedMacros loads `#define` lines (as produced by
// `gcc -dM -E`) into the macro table without observer effects.
func (p *Parser) AddPredefinedMacros(src string) {
	for _, ll := range splitLogicalLines(src) {
		text := strings.TrimSpace(ll.text)
		if !strings.HasPrefix(text, "#") {
			continue
		}
		directive := strings.TrimSpace(text[1:])
		if !strings.HasPrefix(directive, "define") {
			continue
		}
		rest := strings.TrimSpace(directive[len("define"):])
		funcLike := false
		for i := 0; i < len(rest); i++ {
			if !isIdentChar(rest[i]) {
				funcLike = rest[i] == '('
				break
			}
		}
		if m, ok := parseMacroDefinition(tokenize(rest), funcLike); ok {
			p.macros[m.Name] = m
		}
	}
}
