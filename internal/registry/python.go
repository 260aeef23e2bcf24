package registry

import "time"

func pythonDescriptor() *Descriptor {
	return &Descriptor{
		Language:      "python",
		Image:         "docker.io/library/python:3.12-slim",
		FileExtension: ".py",
		AllowedPackages: []string{
			"math", "decimal", "fractions", "statistics",
			"collections", "heapq", "bisect",
			"string", "re",
			"itertools", "functools", "operator",
			"json", "csv",
			"datetime", "calendar",
			"typing",
			"random",
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
				"python3",
				"-u", // unbuffered output
				"-B", // no .pyc files
				"-s", // no user site-packages
				"-S", // skip site import
				"-I", // isolated mode: ignores PYTHON* env vars
				codePath,
			}
		},
	}
}
