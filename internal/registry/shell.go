package registry

import "time"

func shellDescriptor() *Descriptor {
	return &Descriptor{
		Language:      "shell",
		Image:         "docker.io/library/alpine:3.19",
		FileExtension: ".sh",
		AllowedPackages: []string{
			// Coreutils-style commands that only transform their input.
			"echo", "printf", "cat", "head", "tail", "wc",
			"sort", "uniq", "cut", "tr", "grep", "sed", "awk",
			"seq", "expr", "test", "true", "false", "date",
		},
		Defaults: Ceilings{
			Timeout:   5 * time.Second,
			MemoryMB:  64,
			CPUShares: 256,
			PidsLimit: 8,
		},
		Maximums: Ceilings{
			Timeout:   15 * time.Second,
			MemoryMB:  128,
			CPUShares: 512,
			PidsLimit: 16,
		},
		MaxSourceBytes: 16 * 1024,
		NetworkPolicy:  "none",
		command: func(codePath string) []string {
			return []string{
				"/bin/sh",
				"-e", // exit on first error
				"-u", // unset variables are an error
				codePath,
			}
		},
	}
}
