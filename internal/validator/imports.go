package validator

import (
	"regexp"
	"strings"

	"secure-code-sandbox/internal/registry"
)

var (
	pyImport     = regexp.MustCompile(`(?m)^[ \t]*import[ \t]+([A-Za-z_][\w.]*)`)
	pyFromImport = regexp.MustCompile(`(?m)^[ \t]*from[ \t]+([A-Za-z_][\w.]*)[ \t]+import`)
	pyDynImport  = regexp.MustCompile(`__import__[ \t]*\([ \t]*['"]([\w.]+)['"]`)

	jsRequire   = regexp.MustCompile(`require[ \t]*\([ \t]*['"]([^'"]+)['"]`)
	jsESMImport = regexp.MustCompile(`(?m)^[ \t]*import\b[^;\n]*?from[ \t]+['"]([^'"]+)['"]`)
	jsDynImport = regexp.MustCompile(`\bimport[ \t]*\([ \t]*['"]([^'"]+)['"]`)

	shellSplit = regexp.MustCompile(`[;\n|&]+`)
)

// importLayer enforces the registry's allow-list: only packages the
// descriptor names may be imported, independent of what the pattern layer
// already caught. For shell the "imports" are the command words.
func importLayer(source string, desc *registry.Descriptor) []Violation {
	switch desc.Language {
	case "python":
		return pythonImports(source, desc)
	case "javascript":
		return javascriptImports(source, desc)
	case "shell":
		return shellCommands(source, desc)
	default:
		return nil
	}
}

func pythonImports(source string, desc *registry.Descriptor) []Violation {
	var violations []Violation
	check := func(module string, loc int) {
		top := module
		if i := strings.IndexByte(top, '.'); i >= 0 {
			top = top[:i]
		}
		if !desc.PackageAllowed(top) {
			violations = append(violations, Violation{
				Layer:   LayerImports,
				Kind:    KindForbiddenImport,
				Pattern: "import of " + module,
				Excerpt: excerpt(source, loc, 48),
			})
		}
	}

	for _, re := range []*regexp.Regexp{pyImport, pyFromImport, pyDynImport} {
		for _, m := range re.FindAllStringSubmatchIndex(source, -1) {
			check(source[m[2]:m[3]], m[0])
		}
	}
	return violations
}

func javascriptImports(source string, desc *registry.Descriptor) []Violation {
	var violations []Violation
	for _, re := range []*regexp.Regexp{jsRequire, jsESMImport, jsDynImport} {
		for _, m := range re.FindAllStringSubmatchIndex(source, -1) {
			module := source[m[2]:m[3]]
			if !desc.PackageAllowed(module) {
				violations = append(violations, Violation{
					Layer:   LayerImports,
					Kind:    KindForbiddenImport,
					Pattern: "import of " + module,
					Excerpt: excerpt(source, m[0], 48),
				})
			}
		}
	}
	return violations
}

// shellCommands treats the first word of every simple command as the
// "import": it must appear on the descriptor's allowed command list.
func shellCommands(source string, desc *registry.Descriptor) []Violation {
	var violations []Violation
	offset := 0
	for _, segment := range shellSplit.Split(source, -1) {
		loc := strings.Index(source[offset:], segment)
		if loc >= 0 {
			loc += offset
			offset = loc + len(segment)
		} else {
			loc = 0
		}

		trimmed := strings.TrimSpace(segment)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		word := trimmed
		if i := strings.IndexAny(word, " \t"); i >= 0 {
			word = word[:i]
		}
		// Variable assignments are not commands.
		if strings.ContainsRune(word, '=') && !strings.HasPrefix(word, "=") {
			continue
		}
		if !desc.PackageAllowed(word) {
			violations = append(violations, Violation{
				Layer:   LayerImports,
				Kind:    KindForbiddenImport,
				Pattern: "command not allowed: " + word,
				Excerpt: excerpt(source, loc, 48),
			})
		}
	}
	return violations
}
