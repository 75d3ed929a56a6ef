package rockyard

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Toolchain compiles and links C sources for one platform family. One is
// selected per install, before anything is compiled.
type Toolchain interface {
	Target() string
	// Detect fails when the compiler for this target is not usable.
	Detect(ctx context.Context) error
	// Compile turns source (relative to dir) into an object file and returns
	// the object's name.
	Compile(ctx context.Context, dir, source string, flags []string) (string, error)
	// Archive bundles objects into a static library.
	Archive(ctx context.Context, dir, lib string, objects []string) error
	// Link produces an executable named exe from the inputs.
	Link(ctx context.Context, dir, exe string, inputs, flags []string) error
	// LinkShared produces a shared library from objects.
	LinkShared(ctx context.Context, dir, lib string, objects []string) error
	// Make runs the platform's make tool in dir.
	Make(ctx context.Context, dir string, args ...string) error

	ExeName(base string) string
	// RuntimeLibs names the static (or import) and shared library of the Lua
	// runtime for an ABI family such as "5.3". shared is empty when the
	// interpreter links statically.
	RuntimeLibs(major string) (static, shared string)
	Windows() bool
	MSVC() bool
}

var knownTargets = []string{"linux", "macosx", "freebsd", "posix", "generic", "mingw", "vs", "vs_32", "vs_64"}

// detectTarget picks the target for the host when none was requested.
func detectTarget(lookPath func(string) (string, error)) string {
	switch runtime.GOOS {
	case "linux":
		return "linux"
	case "darwin":
		return "macosx"
	case "freebsd":
		return "freebsd"
	case "windows":
		_, gccErr := lookPath("gcc")
		_, clErr := lookPath("cl")
		if gccErr == nil && clErr != nil {
			return "mingw"
		}
		return "vs"
	case "openbsd", "netbsd", "dragonfly", "solaris", "illumos", "aix":
		return "posix"
	}
	return "generic"
}

// SelectToolchain returns the toolchain for target, auto-detecting it when
// target is empty.
func SelectToolchain(target string, r Runner) (Toolchain, error) {
	return selectToolchain(target, r, exec.LookPath)
}

func selectToolchain(target string, r Runner, lookPath func(string) (string, error)) (Toolchain, error) {
	if target == "" {
		target = detectTarget(lookPath)
	}
	switch target {
	case "linux", "freebsd", "posix", "generic":
		return &gccToolchain{target: target, cc: "gcc", runner: r, lookPath: lookPath}, nil
	case "macosx":
		return &gccToolchain{target: target, cc: "cc", runner: r, lookPath: lookPath}, nil
	case "mingw":
		return &gccToolchain{target: target, cc: "gcc", runner: r, lookPath: lookPath, windows: true}, nil
	case "vs", "vs_32", "vs_64":
		return &msvcToolchain{target: target, runner: r, lookPath: lookPath}, nil
	}
	return nil, fmt.Errorf("unknown target %q (known: %s)", target, strings.Join(knownTargets, ", "))
}

// gccToolchain drives gcc-compatible compilers, including MinGW.
type gccToolchain struct {
	target   string
	cc       string
	windows  bool
	runner   Runner
	lookPath func(string) (string, error)
}

func (t *gccToolchain) Target() string { return t.target }
func (t *gccToolchain) Windows() bool  { return t.windows }
func (t *gccToolchain) MSVC() bool     { return false }

func (t *gccToolchain) Detect(ctx context.Context) error {
	path, err := t.lookPath(t.cc)
	if err != nil {
		return fmt.Errorf("C compiler %q not found in PATH", t.cc)
	}
	if !isExecutable(path) {
		return fmt.Errorf("C compiler %s is not executable", path)
	}
	debugf("Using C compiler %s for target %s\n", path, t.target)
	return nil
}

func (t *gccToolchain) run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return t.runner.Run(cmd)
}

func (t *gccToolchain) Compile(ctx context.Context, dir, source string, flags []string) (string, error) {
	obj := strings.TrimSuffix(source, filepath.Ext(source)) + ".o"
	args := append(append([]string{}, flags...), "-c", "-o", obj, source)
	return obj, t.run(ctx, dir, t.cc, args...)
}

func (t *gccToolchain) Archive(ctx context.Context, dir, lib string, objects []string) error {
	if err := t.run(ctx, dir, "ar", append([]string{"rcu", lib}, objects...)...); err != nil {
		return err
	}
	return t.run(ctx, dir, "ranlib", lib)
}

func (t *gccToolchain) Link(ctx context.Context, dir, exe string, inputs, flags []string) error {
	args := append([]string{"-o", exe}, inputs...)
	return t.run(ctx, dir, t.cc, append(args, flags...)...)
}

func (t *gccToolchain) LinkShared(ctx context.Context, dir, lib string, objects []string) error {
	args := append([]string{"-shared", "-o", lib}, objects...)
	if err := t.run(ctx, dir, t.cc, args...); err != nil {
		return err
	}
	if t.windows {
		return t.run(ctx, dir, "strip", "--strip-unneeded", lib)
	}
	return nil
}

func (t *gccToolchain) Make(ctx context.Context, dir string, args ...string) error {
	tool := "make"
	if t.windows {
		if _, err := t.lookPath("mingw32-make"); err == nil {
			tool = "mingw32-make"
		}
	} else if t.target == "freebsd" {
		if _, err := t.lookPath("gmake"); err == nil {
			tool = "gmake"
		}
	}
	return t.run(ctx, dir, tool, args...)
}

func (t *gccToolchain) ExeName(base string) string {
	if t.windows {
		return base + ".exe"
	}
	return base
}

func (t *gccToolchain) RuntimeLibs(major string) (string, string) {
	n := strings.ReplaceAll(major, ".", "")
	if t.windows {
		return "liblua" + n + ".a", "lua" + n + ".dll"
	}
	return "liblua" + n + ".a", ""
}

// msvcToolchain drives cl.exe and link.exe. It expects to run inside a
// Visual Studio developer prompt where both are already on PATH.
type msvcToolchain struct {
	target   string
	runner   Runner
	lookPath func(string) (string, error)
}

func (t *msvcToolchain) Target() string { return t.target }
func (t *msvcToolchain) Windows() bool  { return true }
func (t *msvcToolchain) MSVC() bool     { return true }

func (t *msvcToolchain) Detect(ctx context.Context) error {
	if _, err := t.lookPath("cl"); err != nil {
		return fmt.Errorf("cl.exe not found in PATH; run from a Visual Studio developer prompt")
	}
	want := ""
	switch t.target {
	case "vs_32":
		want = "x86"
	case "vs_64":
		want = "x64"
	}
	if want == "" {
		return nil
	}
	// cl prints its banner, including the target architecture, to stderr.
	var banner strings.Builder
	cmd := exec.CommandContext(ctx, "cl")
	cmd.Stdout = &banner
	cmd.Stderr = &banner
	_ = t.runner.Run(cmd)
	if !strings.Contains(banner.String(), "for "+want) {
		return fmt.Errorf("cl.exe does not target %s (banner: %q)", want, strings.TrimSpace(banner.String()))
	}
	return nil
}

func (t *msvcToolchain) run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return t.runner.Run(cmd)
}

func (t *msvcToolchain) Compile(ctx context.Context, dir, source string, flags []string) (string, error) {
	obj := strings.TrimSuffix(source, filepath.Ext(source)) + ".obj"
	args := []string{"/nologo", "/MD", "/O2", "/W3", "/c", "/D_CRT_SECURE_NO_DEPRECATE"}
	args = append(append(args, flags...), source)
	return obj, t.run(ctx, dir, "cl", args...)
}

// Archive is a no-op: linking the DLL produces the import library.
func (t *msvcToolchain) Archive(ctx context.Context, dir, lib string, objects []string) error {
	return nil
}

func (t *msvcToolchain) Link(ctx context.Context, dir, exe string, inputs, flags []string) error {
	args := append([]string{"/nologo", "/out:" + exe}, inputs...)
	if err := t.run(ctx, dir, "link", args...); err != nil {
		return err
	}
	return t.embedManifest(ctx, dir, exe)
}

func (t *msvcToolchain) LinkShared(ctx context.Context, dir, lib string, objects []string) error {
	args := append([]string{"/nologo", "/DLL", "/out:" + lib}, objects...)
	if err := t.run(ctx, dir, "link", args...); err != nil {
		return err
	}
	return t.embedManifest(ctx, dir, lib)
}

func (t *msvcToolchain) embedManifest(ctx context.Context, dir, file string) error {
	manifest := file + ".manifest"
	if !fileExists(filepath.Join(dir, manifest)) {
		return nil
	}
	return t.run(ctx, dir, "mt", "/nologo", "-manifest", manifest, "-outputresource:"+file)
}

func (t *msvcToolchain) Make(ctx context.Context, dir string, args ...string) error {
	return t.run(ctx, dir, "nmake", args...)
}

func (t *msvcToolchain) ExeName(base string) string { return base + ".exe" }

func (t *msvcToolchain) RuntimeLibs(major string) (string, string) {
	n := strings.ReplaceAll(major, ".", "")
	return "lua" + n + ".lib", "lua" + n + ".dll"
}
