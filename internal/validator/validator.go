package validator

import (
	"fmt"
	"strings"

	"secure-code-sandbox/internal/registry"
)

// Layer identifies which validation stage produced a violation.
type Layer string

const (
	LayerCharacter  Layer = "character"
	LayerPattern    Layer = "pattern"
	LayerImports    Layer = "imports"
	LayerBypass     Layer = "bypass"
	LayerStructural Layer = "structural"
	LayerSignature  Layer = "signature"
)

// Kind tags the class of dangerous construct a violation belongs to.
type Kind string

const (
	KindControlChars    Kind = "control_chars"
	KindObfuscation     Kind = "obfuscation"
	KindOversize        Kind = "oversize"
	KindEmpty           Kind = "empty"
	KindProcessAccess   Kind = "process_access"
	KindNetwork         Kind = "network"
	KindDynamicEval     Kind = "dynamic_eval"
	KindFilesystem      Kind = "filesystem"
	KindInjection       Kind = "injection"
	KindForbiddenImport Kind = "forbidden_import"
	KindEncoding        Kind = "encoding"
	KindReflection      Kind = "reflection"
	KindKnownExploit    Kind = "known_exploit"
)

// Violation records one rejected construct with enough context for audit
// logging without echoing the whole payload.
type Violation struct {
	Layer   Layer  `json:"layer"`
	Kind    Kind   `json:"kind"`
	Pattern string `json:"pattern"`
	Excerpt string `json:"excerpt,omitempty"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s/%s: %s", v.Layer, v.Kind, v.Pattern)
}

// Verdict is the outcome of validating one source submission.
// Any violation across any layer means the code never runs.
type Verdict struct {
	Accepted   bool        `json:"accepted"`
	Violations []Violation `json:"violations,omitempty"`
}

// Validator runs all layers against submitted source. It is pure and
// deterministic: no I/O, no shared mutable state, safe for concurrent use.
//
// The layering is deliberately best-effort defense-in-depth, biased toward
// false positives. It does not claim to detect every malicious construct;
// the isolation boundary is the backstop for anything that slips through.
type Validator struct {
	reg *registry.Registry
}

// New creates a validator bound to the language registry's allow-lists.
func New(reg *registry.Registry) *Validator {
	return &Validator{reg: reg}
}

// Validate checks source against every layer in order and returns the
// combined verdict. Layers run unconditionally so the verdict carries the
// full violation set, not just the first hit.
func (v *Validator) Validate(source, language string) Verdict {
	desc, err := v.reg.Get(language)
	if err != nil {
		return rejected(Violation{
			Layer:   LayerPattern,
			Kind:    KindForbiddenImport,
			Pattern: "unsupported language: " + language,
		})
	}

	if strings.TrimSpace(source) == "" {
		return rejected(Violation{Layer: LayerCharacter, Kind: KindEmpty, Pattern: "empty source"})
	}
	if len(source) > desc.MaxSourceBytes {
		return rejected(Violation{
			Layer:   LayerCharacter,
			Kind:    KindOversize,
			Pattern: fmt.Sprintf("source exceeds %d bytes", desc.MaxSourceBytes),
		})
	}

	var violations []Violation
	violations = append(violations, characterLayer(source)...)
	violations = append(violations, patternLayer(source, language)...)
	violations = append(violations, importLayer(source, desc)...)
	violations = append(violations, bypassLayer(source, language)...)
	violations = append(violations, structuralLayer(source, language)...)
	violations = append(violations, signatureLayer(source)...)

	return Verdict{Accepted: len(violations) == 0, Violations: violations}
}

func rejected(violations ...Violation) Verdict {
	return Verdict{Accepted: false, Violations: violations}
}

// excerpt returns a short sanitized window of source around pos for audit
// logs. Control characters are replaced so log output stays clean.
func excerpt(source string, pos, width int) string {
	if width <= 0 {
		width = 48
	}
	start := pos - width/4
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(source) {
		end = len(source)
	}
	var b strings.Builder
	for _, r := range source[start:end] {
		if r < 0x20 || r == 0x7f {
			b.WriteRune('.')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
