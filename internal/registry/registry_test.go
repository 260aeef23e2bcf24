package registry

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestNew_RegistersAllLanguages(t *testing.T) {
	reg := New()

	want := []string{"javascript", "python", "shell"}
	if got := reg.Languages(); !reflect.DeepEqual(got, want) {
		t.Errorf("Languages() = %v, want %v", got, want)
	}
}

func TestGet_UnsupportedLanguage(t *testing.T) {
	reg := New()

	_, err := reg.Get("cobol")
	if err == nil {
		t.Fatal("expected error for unsupported language")
	}
	if !strings.Contains(err.Error(), "cobol") {
		t.Errorf("error %q does not name the language", err)
	}
}

func TestDescriptor_Command(t *testing.T) {
	reg := New()

	tests := []struct {
		language string
		wantArg0 string
	}{
		{"python", "python3"},
		{"javascript", "node"},
		{"shell", "/bin/sh"},
	}
	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			d, err := reg.Get(tt.language)
			if err != nil {
				t.Fatalf("Get(%q): %v", tt.language, err)
			}
			argv := d.Command("/workspace/code" + d.FileExtension)
			if len(argv) == 0 || argv[0] != tt.wantArg0 {
				t.Errorf("Command argv = %v, want argv[0] = %q", argv, tt.wantArg0)
			}
			if argv[len(argv)-1] != "/workspace/code"+d.FileExtension {
				t.Errorf("argv = %v, want code path as final arg", argv)
			}
		})
	}
}

func TestDescriptor_PackageAllowed(t *testing.T) {
	reg := New()
	py, err := reg.Get("python")
	if err != nil {
		t.Fatal(err)
	}

	if !py.PackageAllowed("math") {
		t.Error("math should be allowed for python")
	}
	if py.PackageAllowed("os") {
		t.Error("os must not be allowed for python")
	}
	if py.PackageAllowed("socket") {
		t.Error("socket must not be allowed for python")
	}
}

func TestClamp(t *testing.T) {
	reg := New()
	py, err := reg.Get("python")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opts Options
		want func(Ceilings) bool
		desc string
	}{
		{
			name: "zero options use defaults",
			opts: Options{},
			want: func(c Ceilings) bool { return c == py.Defaults },
			desc: "defaults",
		},
		{
			name: "within bounds kept",
			opts: Options{Timeout: 2 * time.Second, MemoryMB: 128},
			want: func(c Ceilings) bool {
				return c.Timeout == 2*time.Second && c.MemoryMB == 128
			},
			desc: "caller values",
		},
		{
			name: "over maximum capped",
			opts: Options{
				Timeout:   24 * time.Hour,
				MemoryMB:  1 << 20,
				CPUShares: 1 << 20,
				PidsLimit: 1 << 20,
			},
			want: func(c Ceilings) bool { return c == py.Maximums },
			desc: "maximums",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := py.Clamp(tt.opts)
			if !tt.want(got) {
				t.Errorf("Clamp(%+v) = %+v, want %s", tt.opts, got, tt.desc)
			}
		})
	}
}

func TestCeilings_NeverExceedMaximums(t *testing.T) {
	reg := New()
	for _, lang := range reg.Languages() {
		d, err := reg.Get(lang)
		if err != nil {
			t.Fatal(err)
		}
		def, max := d.Defaults, d.Maximums
		if def.Timeout > max.Timeout || def.MemoryMB > max.MemoryMB ||
			def.CPUShares > max.CPUShares || def.PidsLimit > max.PidsLimit {
			t.Errorf("%s: defaults %+v exceed maximums %+v", lang, def, max)
		}
	}
}

func TestImages_CoverAllLanguages(t *testing.T) {
	reg := New()
	images := reg.Images()
	if len(images) != len(reg.Languages()) {
		t.Fatalf("Images() returned %d entries for %d languages", len(images), len(reg.Languages()))
	}
	for _, img := range images {
		if !strings.Contains(img, "/") {
			t.Errorf("image %q is not fully qualified", img)
		}
	}
}
