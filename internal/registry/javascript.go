package registry

import "time"

func javascriptDescriptor() *Descriptor {
	return &Descriptor{
		Language:        "javascript",
		Image:           "docker.io/library/node:20-slim",
		FileExtension:   ".js",
		AllowedPackages: []string{
			// No module system access at all: only ambient globals like
			// Math, JSON and console are available to sandboxed code.
		},
		Defaults: Ceilings{
			Timeout:   10 * time.Second,
			MemoryMB:  256,
			CPUShares: 512,
			PidsLimit: 16,
		},
		Maximums: Ceilings{
			Timeout:   30 * time.Second,
			MemoryMB:  512,
			CPUShares: 1024,
			PidsLimit: 32,
		},
		MaxSourceBytes: 64 * 1024,
		NetworkPolicy:  "none",
		command: func(codePath string) []string {
			return []string{
				"node",
				"--max-old-space-size=192",
				"--disallow-code-generation-from-strings", // blocks eval() at the VM level
				"--disable-proto=delete",
				"--no-deprecation",
				codePath,
			}
		},
	}
}
