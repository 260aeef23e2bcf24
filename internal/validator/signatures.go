package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Known exploit payloads observed against earlier deployments. Exact
// matches are caught by full-source hashes; near-exact matches (same
// payload, cosmetic whitespace/case changes) by normalized hashes and
// normalized fragment search.
var knownPayloads = []string{
	`import os; os.system('ls')`,
	`__import__('os').system('ls')`,
	`eval('__import__("os").system("ls")')`,
	`open('/etc/passwd').read()`,
	`().__class__.__bases__[0].__subclasses__()`,
	`require('child_process').exec('ls')`,
	`require('child_process').execSync('id')`,
	`this.constructor.constructor('return process')()`,
	`process.mainModule.require('fs')`,
	`cat /etc/passwd`,
	`:(){ :|:& };:`,
}

var (
	exactSignatures      map[string]string
	normalizedSignatures map[string]string
	normalizedFragments  []string
)

var collapseWS = regexp.MustCompile(`\s+`)

func init() {
	exactSignatures = make(map[string]string, len(knownPayloads))
	normalizedSignatures = make(map[string]string, len(knownPayloads))
	normalizedFragments = make([]string, 0, len(knownPayloads))
	for _, payload := range knownPayloads {
		exactSignatures[hashSource(payload)] = payload
		norm := normalize(payload)
		normalizedSignatures[hashSource(norm)] = payload
		normalizedFragments = append(normalizedFragments, norm)
	}
}

func hashSource(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

func normalize(s string) string {
	return collapseWS.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

// signatureLayer rejects submissions that hash-match a previously
// observed exploit, either verbatim or embedded inside a larger snippet.
func signatureLayer(source string) []Violation {
	if payload, ok := exactSignatures[hashSource(source)]; ok {
		return []Violation{{
			Layer:   LayerSignature,
			Kind:    KindKnownExploit,
			Pattern: "known payload: " + payload,
		}}
	}

	norm := normalize(source)
	if payload, ok := normalizedSignatures[hashSource(norm)]; ok {
		return []Violation{{
			Layer:   LayerSignature,
			Kind:    KindKnownExploit,
			Pattern: "known payload (normalized): " + payload,
		}}
	}

	var violations []Violation
	for i, fragment := range normalizedFragments {
		if strings.Contains(norm, fragment) {
			violations = append(violations, Violation{
				Layer:   LayerSignature,
				Kind:    KindKnownExploit,
				Pattern: "embedded known payload: " + knownPayloads[i],
			})
		}
	}
	return violations
}
