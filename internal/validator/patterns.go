package validator

import "strings"

// patternRule is one deny-list entry. Matching is case-insensitive and
// substring-oriented: a deliberate conservative bias toward false
// positives. Anything that needs real parsing belongs in the structural
// layer instead.
type patternRule struct {
	kind    Kind
	literal string // stored lowercase
}

var pythonPatterns = []patternRule{
	// Process / OS access
	{KindProcessAccess, "import os"},
	{KindProcessAccess, "import sys"},
	{KindProcessAccess, "import subprocess"},
	{KindProcessAccess, "import ctypes"},
	{KindProcessAccess, "import signal"},
	{KindProcessAccess, "import resource"},
	{KindProcessAccess, "subprocess"},
	{KindProcessAccess, "os.system"},
	{KindProcessAccess, "os.popen"},
	{KindProcessAccess, "os.fork"},
	{KindProcessAccess, "os.exec"},
	{KindProcessAccess, "popen("},
	{KindProcessAccess, "__import__"},
	{KindProcessAccess, "importlib"},

	// Network primitives
	{KindNetwork, "import socket"},
	{KindNetwork, "socket."},
	{KindNetwork, "urllib"},
	{KindNetwork, "requests."},
	{KindNetwork, "import requests"},
	{KindNetwork, "import http"},
	{KindNetwork, "http.client"},
	{KindNetwork, "ftplib"},
	{KindNetwork, "smtplib"},
	{KindNetwork, "telnetlib"},

	// Dynamic evaluation and introspection
	{KindDynamicEval, "eval("},
	{KindDynamicEval, "exec("},
	{KindDynamicEval, "compile("},
	{KindDynamicEval, "globals("},
	{KindDynamicEval, "locals("},
	{KindDynamicEval, "vars("},
	{KindDynamicEval, "getattr("},
	{KindDynamicEval, "setattr("},
	{KindDynamicEval, "delattr("},
	{KindDynamicEval, "breakpoint("},

	// Filesystem and serialization RCE vectors
	{KindFilesystem, "open("},
	{KindFilesystem, "io.open"},
	{KindFilesystem, "codecs.open"},
	{KindFilesystem, "import shutil"},
	{KindFilesystem, "import pathlib"},
	{KindFilesystem, "import tempfile"},
	{KindFilesystem, "import pickle"},
	{KindFilesystem, "pickle."},
	{KindFilesystem, "marshal."},
}

var javascriptPatterns = []patternRule{
	// Process / OS access
	{KindProcessAccess, "child_process"},
	{KindProcessAccess, "process."},
	{KindProcessAccess, "require("},
	{KindProcessAccess, "require ("},
	{KindProcessAccess, "import("},
	{KindProcessAccess, "__dirname"},
	{KindProcessAccess, "__filename"},
	{KindProcessAccess, "global."},
	{KindProcessAccess, "globalthis"},

	// Network primitives
	{KindNetwork, "fetch("},
	{KindNetwork, "xmlhttprequest"},
	{KindNetwork, "websocket"},
	{KindNetwork, "net.connect"},
	{KindNetwork, "http.request"},
	{KindNetwork, "dns."},

	// Dynamic evaluation
	{KindDynamicEval, "eval("},
	{KindDynamicEval, "new function"},
	{KindDynamicEval, "function("},
	{KindDynamicEval, "settimeout("},
	{KindDynamicEval, "setinterval("},
	{KindDynamicEval, "vm.runin"},

	// Filesystem
	{KindFilesystem, "require('fs')"},
	{KindFilesystem, `require("fs")`},
	{KindFilesystem, "fs.read"},
	{KindFilesystem, "fs.write"},
	{KindFilesystem, "buffer."},
}

var shellPatterns = []patternRule{
	// Injection idioms
	{KindInjection, ";rm"},
	{KindInjection, "; rm"},
	{KindInjection, "rm -rf"},
	{KindInjection, "`"},
	{KindInjection, "$("},
	{KindInjection, "eval "},
	{KindInjection, "exec "},
	{KindInjection, "source "},
	{KindInjection, ":(){"},

	// Privilege and system damage
	{KindProcessAccess, "sudo"},
	{KindProcessAccess, "chmod"},
	{KindProcessAccess, "chown"},
	{KindProcessAccess, "mount"},
	{KindProcessAccess, "shutdown"},
	{KindProcessAccess, "reboot"},
	{KindProcessAccess, "kill -9"},
	{KindProcessAccess, "mkfs"},
	{KindProcessAccess, "dd if="},

	// Network primitives
	{KindNetwork, "curl"},
	{KindNetwork, "wget"},
	{KindNetwork, "nc -"},
	{KindNetwork, "ncat"},
	{KindNetwork, "ssh "},
	{KindNetwork, "scp "},
	{KindNetwork, "/dev/tcp/"},

	// Filesystem escape
	{KindFilesystem, ">/etc"},
	{KindFilesystem, "> /etc"},
	{KindFilesystem, "/proc/self"},
	{KindFilesystem, "/sys/fs"},
}

func patternsFor(language string) []patternRule {
	switch language {
	case "python":
		return pythonPatterns
	case "javascript":
		return javascriptPatterns
	case "shell":
		return shellPatterns
	default:
		return nil
	}
}

// patternLayer scans lowercased source for every deny-list entry of the
// language and reports each hit with a short excerpt.
func patternLayer(source, language string) []Violation {
	lower := strings.ToLower(source)

	var violations []Violation
	for _, rule := range patternsFor(language) {
		if i := strings.Index(lower, rule.literal); i >= 0 {
			violations = append(violations, Violation{
				Layer:   LayerPattern,
				Kind:    rule.kind,
				Pattern: rule.literal,
				Excerpt: excerpt(source, i, 48),
			})
		}
	}
	return violations
}
