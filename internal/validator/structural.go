package validator

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// The structural layer is authoritative for the no-reflection policy.
// It tokenizes the source and inspects the token stream, so identifier
// reassembly via string concatenation ("__cla" + "ss__") is resolved
// before checking, which plain substring matching cannot do.

// Interpreter internals whose traversal is never legitimate in sandboxed
// snippets.
var dangerousAttrs = map[string]bool{
	"__class__":        true,
	"__bases__":        true,
	"__mro__":          true,
	"__subclasses__":   true,
	"__globals__":      true,
	"__builtins__":     true,
	"__dict__":         true,
	"__code__":         true,
	"__closure__":      true,
	"__getattribute__": true,
	"__import__":       true,
	"__loader__":       true,
	"__spec__":         true,
	"constructor":      true,
	"prototype":        true,
	"__proto__":        true,
}

// Names that reconstructed string fragments must never spell out.
var dangerousReassembled = []string{
	"__class__", "__globals__", "__builtins__", "__subclasses__",
	"__import__", "__mro__", "constructor", "prototype", "__proto__",
	"subprocess", "child_process", "os.system", "import os",
	"require", "socket", "eval", "exec",
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind    tokenKind
	text    string
	decoded string // for strings: escape sequences resolved
	pos     int
}

func structuralLayer(source, language string) []Violation {
	switch language {
	case "python", "javascript":
		return walkTokens(source, lexSource(source, language))
	case "shell":
		return shellStructural(source)
	default:
		return nil
	}
}

func walkTokens(source string, tokens []token) []Violation {
	var violations []Violation
	add := func(pos int, pattern string) {
		violations = append(violations, Violation{
			Layer:   LayerStructural,
			Kind:    KindReflection,
			Pattern: pattern,
			Excerpt: excerpt(source, pos, 48),
		})
	}

	for i := 0; i < len(tokens); i++ {
		t := tokens[i]

		// Reflective attribute access, with or without a leading dot:
		// any appearance of these identifiers is traversal into
		// interpreter internals.
		if t.kind == tokIdent && dangerousAttrs[t.text] {
			add(t.pos, "reflective access to "+t.text)
			continue
		}

		// Subscript with a (possibly concatenated, possibly escaped)
		// string key naming an internal attribute: obj["__cla" + "ss__"].
		if t.kind == tokPunct && t.text == "[" {
			if combined, end, ok := concatStringRun(tokens, i+1); ok {
				if name := matchDangerous(combined); name != "" {
					add(t.pos, "subscript reassembles "+name)
				}
				i = end
				continue
			}
		}

		// Concatenated string fragments anywhere that spell a banned name:
		// getattr(x, "__cla" + "ss__"), window["ev" + "al"], etc.
		if t.kind == tokString {
			combined, end, ok := concatStringRun(tokens, i)
			if ok && end > i+1 { // at least two fragments
				if name := matchDangerous(combined); name != "" {
					add(t.pos, "string fragments reassemble "+name)
				}
			}
			// Single escaped literal hiding an internal name.
			if !ok || end == i+1 {
				if t.decoded != stripQuotes(t.text) {
					if name := matchDangerous(t.decoded); name != "" {
						add(t.pos, "escape sequences reassemble "+name)
					}
				}
			}
			if ok {
				i = end - 1
			}
		}
	}
	return violations
}

// concatStringRun collects a `"a" + "b" + "c"` run starting at index
// start and returns the combined decoded value plus the index just past
// the run. ok is false when tokens[start] is not a string.
func concatStringRun(tokens []token, start int) (combined string, end int, ok bool) {
	if start >= len(tokens) || tokens[start].kind != tokString {
		return "", start, false
	}
	var b strings.Builder
	i := start
	for {
		b.WriteString(tokens[i].decoded)
		if i+2 < len(tokens) &&
			tokens[i+1].kind == tokPunct && tokens[i+1].text == "+" &&
			tokens[i+2].kind == tokString {
			i += 2
			continue
		}
		break
	}
	return b.String(), i + 1, true
}

func matchDangerous(s string) string {
	lower := strings.ToLower(s)
	for _, name := range dangerousReassembled {
		if strings.Contains(lower, name) {
			return name
		}
	}
	return ""
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		return s[1 : len(s)-1]
	}
	return s
}

// lexSource is a minimal tokenizer shared by the python and javascript
// walks. It understands comments, quoted strings with escape sequences,
// identifiers and single-character punctuation; everything the walk
// needs and nothing more.
func lexSource(src, language string) []token {
	var tokens []token
	i := 0
	n := len(src)
	for i < n {
		c := src[i]
		switch {
		case c == '#' && language == "python":
			i = skipLine(src, i)
		case c == '/' && language == "javascript" && i+1 < n && src[i+1] == '/':
			i = skipLine(src, i)
		case c == '/' && language == "javascript" && i+1 < n && src[i+1] == '*':
			if end := strings.Index(src[i+2:], "*/"); end >= 0 {
				i += end + 4
			} else {
				i = n
			}
		case c == '\'' || c == '"' || (c == '`' && language == "javascript"):
			raw, decoded, next := lexString(src, i)
			tokens = append(tokens, token{kind: tokString, text: raw, decoded: decoded, pos: i})
			i = next
		case isIdentStart(rune(c)):
			j := i + 1
			for j < n && isIdentPart(rune(src[j])) {
				j++
			}
			tokens = append(tokens, token{kind: tokIdent, text: src[i:j], pos: i})
			i = j
		case c >= '0' && c <= '9':
			j := i + 1
			for j < n && (isIdentPart(rune(src[j])) || src[j] == '.') {
				j++
			}
			tokens = append(tokens, token{kind: tokNumber, text: src[i:j], pos: i})
			i = j
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		default:
			tokens = append(tokens, token{kind: tokPunct, text: string(c), pos: i})
			i++
		}
	}
	return tokens
}

func skipLine(src string, i int) int {
	if j := strings.IndexByte(src[i:], '\n'); j >= 0 {
		return i + j + 1
	}
	return len(src)
}

// lexString consumes a quoted literal starting at i and resolves \xNN,
// \uNNNN, octal and simple escapes into the decoded value.
func lexString(src string, i int) (raw, decoded string, next int) {
	quote := src[i]
	var b strings.Builder
	j := i + 1
	for j < len(src) {
		c := src[j]
		if c == quote {
			j++
			break
		}
		if c == '\\' && j+1 < len(src) {
			esc := src[j+1]
			switch esc {
			case 'x':
				if j+3 < len(src) {
					if v, err := strconv.ParseUint(src[j+2:j+4], 16, 8); err == nil {
						b.WriteByte(byte(v))
						j += 4
						continue
					}
				}
			case 'u':
				if j+5 < len(src) {
					if v, err := strconv.ParseUint(src[j+2:j+6], 16, 32); err == nil {
						b.WriteRune(rune(v))
						j += 6
						continue
					}
				}
			case 'n':
				b.WriteByte('\n')
				j += 2
				continue
			case 't':
				b.WriteByte('\t')
				j += 2
				continue
			case '0', '1', '2', '3', '4', '5', '6', '7':
				k := j + 1
				for k < len(src) && k < j+4 && src[k] >= '0' && src[k] <= '7' {
					k++
				}
				if v, err := strconv.ParseUint(src[j+1:k], 8, 32); err == nil {
					b.WriteRune(rune(v))
					j = k
					continue
				}
			default:
				b.WriteByte(esc)
				j += 2
				continue
			}
		}
		b.WriteByte(c)
		j++
	}
	return src[i:j], b.String(), j
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_' || r == '$'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$'
}

var (
	shellNestedExpansion = regexp.MustCompile(`\$\{[^}]*\}[ \t]*\$\{`)
	shellEvalWord        = regexp.MustCompile(`(?m)(^|[;&|])[ \t]*(eval|exec|source)\b`)
	shellIndirection     = regexp.MustCompile(`\$\{![^}]+\}|\$\{[^}]*\$\{`)
)

// shellStructural approximates the reflective-access walk for shell:
// indirect expansion and eval-style words reassemble commands the same
// way attribute traversal reassembles interpreter internals.
func shellStructural(source string) []Violation {
	var violations []Violation
	rules := []struct {
		name string
		re   *regexp.Regexp
	}{
		{"adjacent expansions reassemble a command", shellNestedExpansion},
		{"eval-style word", shellEvalWord},
		{"indirect variable expansion", shellIndirection},
	}
	for _, rule := range rules {
		if loc := rule.re.FindStringIndex(source); loc != nil {
			violations = append(violations, Violation{
				Layer:   LayerStructural,
				Kind:    KindReflection,
				Pattern: rule.name,
				Excerpt: excerpt(source, loc[0], 48),
			})
		}
	}
	return violations
}
