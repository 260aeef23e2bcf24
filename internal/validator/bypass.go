package validator

import "regexp"

// bypassRule pairs a compiled regex with its violation tag. These target
// obfuscation techniques that reassemble banned identifiers at runtime,
// which plain substring matching cannot see.
type bypassRule struct {
	kind    Kind
	name    string
	re      *regexp.Regexp
	perLang string // empty means all languages
}

var bypassRules = []bypassRule{
	// Character-code reconstruction
	{KindEncoding, "chr() call chain", regexp.MustCompile(`(?i)chr[ \t]*\([ \t]*\d+[ \t]*\)`), "python"},
	{KindEncoding, "ord() conversion", regexp.MustCompile(`(?i)\bord[ \t]*\(`), "python"},
	{KindEncoding, "String.fromCharCode", regexp.MustCompile(`(?i)fromCharCode[ \t]*\(`), "javascript"},
	{KindEncoding, "charCodeAt harvesting", regexp.MustCompile(`(?i)charCodeAt[ \t]*\(`), "javascript"},
	{KindEncoding, "printf character escape", regexp.MustCompile(`printf[ \t]+['"]?\\(x|[0-7]{2})`), "shell"},

	// Escape-sequence reassembly inside literals
	{KindEncoding, "hex escape sequence", regexp.MustCompile(`\\x[0-9a-fA-F]{2}`), ""},
	{KindEncoding, "unicode escape sequence", regexp.MustCompile(`\\u[0-9a-fA-F]{4}|\\U[0-9a-fA-F]{8}`), ""},
	{KindEncoding, "octal escape sequence", regexp.MustCompile(`\\[0-7]{3}`), ""},
	{KindEncoding, "named unicode escape", regexp.MustCompile(`\\N\{[^}]+\}`), "python"},

	// Encoded payload literals
	{KindEncoding, "base64-like literal", regexp.MustCompile(`['"][A-Za-z0-9+/]{24,}={0,2}['"]`), ""},
	{KindEncoding, "hex blob literal", regexp.MustCompile(`['"][0-9a-fA-F]{24,}['"]`), ""},
	{KindEncoding, "base64 decoder", regexp.MustCompile(`(?i)(b64decode|base64\.|atob[ \t]*\(|frombase64)`), ""},
	{KindEncoding, "bytes decode", regexp.MustCompile(`(?i)bytes[ \t]*\([^)]*\)[ \t]*\.[ \t]*decode`), "python"},
	{KindEncoding, "bytes.fromhex", regexp.MustCompile(`(?i)fromhex[ \t]*\(`), "python"},
	{KindEncoding, "codecs decoding", regexp.MustCompile(`(?i)codecs\.`), "python"},

	// String splitting/joining used to hide identifiers
	{KindObfuscation, "string join reassembly", regexp.MustCompile(`['"][^'"]*['"][ \t]*\.[ \t]*join[ \t]*\(`), "python"},
	{KindObfuscation, "string concat of fragments", regexp.MustCompile(`['"][^'"]{1,4}['"][ \t]*\+[ \t]*['"][^'"]{1,4}['"][ \t]*\+`), ""},
	{KindObfuscation, "array join reassembly", regexp.MustCompile(`\][ \t]*\.[ \t]*join[ \t]*\(`), "javascript"},
	{KindObfuscation, "reversed literal", regexp.MustCompile(`(?i)\.reverse[ \t]*\(\)|\[::-1\]`), ""},
}

// bypassLayer flags obfuscation aimed at smuggling banned identifiers
// past the pattern layer.
func bypassLayer(source, language string) []Violation {
	var violations []Violation
	for _, rule := range bypassRules {
		if rule.perLang != "" && rule.perLang != language {
			continue
		}
		if loc := rule.re.FindStringIndex(source); loc != nil {
			violations = append(violations, Violation{
				Layer:   LayerBypass,
				Kind:    rule.kind,
				Pattern: rule.name,
				Excerpt: excerpt(source, loc[0], 48),
			})
		}
	}
	return violations
}
