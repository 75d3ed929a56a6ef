package rockyard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// fakeRunner pretends to be a compiler: it records every command and
// creates the files the command would have produced.
type fakeRunner struct {
	log      io.Writer
	commands []string
	failOn   string
	onMake   func(dir string, args []string)
}

func (r *fakeRunner) Run(cmd *exec.Cmd) error {
	line := strings.Join(cmd.Args, " ")
	r.commands = append(r.commands, line)
	if r.log != nil {
		fmt.Fprintf(r.log, "$ %s\n", line)
	}
	if r.failOn != "" && strings.Contains(line, r.failOn) {
		if r.log != nil {
			fmt.Fprintln(r.log, "error: simulated failure")
		}
		return errors.New("exit status 1")
	}

	args := cmd.Args[1:]
	touch := func(name string) error {
		return os.WriteFile(filepath.Join(cmd.Dir, name), []byte(line), 0o755)
	}
	switch filepath.Base(cmd.Args[0]) {
	case "ar":
		return touch(args[1])
	case "make", "gmake":
		if r.onMake != nil {
			r.onMake(cmd.Dir, args)
		}
		return nil
	}
	for i, a := range args {
		if a == "-o" && i+1 < len(args) {
			return touch(args[i+1])
		}
	}
	return nil
}

type buildFixture struct {
	o      *Orchestrator
	runner *fakeRunner
	target string
	work   string
}

func newBuildFixture(t *testing.T) *buildFixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake toolchain targets linux")
	}
	cc := filepath.Join(t.TempDir(), "gcc")
	if err := os.WriteFile(cc, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	lookPath := func(string) (string, error) { return cc, nil }

	f := &buildFixture{runner: &fakeRunner{}, target: t.TempDir(), work: t.TempDir()}
	f.o = &Orchestrator{
		Ledger:  NewLedger(),
		Patches: testEngine(t),
		NewRunner: func(log io.Writer) Runner {
			f.runner.log = log
			return f.runner
		},
		SelectToolchain: func(target string, r Runner) (Toolchain, error) {
			if target == "" {
				target = "linux"
			}
			return selectToolchain(target, r, lookPath)
		},
		Now: func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
	return f
}

// luaTree lays out a minimal release tarball of the given version.
func (f *buildFixture) luaTree(t *testing.T, version string) *SourceTree {
	t.Helper()
	major := majorVersion(Lua, version)
	dir, err := os.MkdirTemp(f.work, "lua-")
	if err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(dir, "src")
	num := "50" + major[2:]
	writeFile(t, filepath.Join(src, "lua.h"), "#define LUA_VERSION_NUM\t"+num+"\n")
	writeFile(t, filepath.Join(src, "luaconf.h"), "#ifndef lconfig_h\n#define lconfig_h\n#endif\n")
	for _, name := range []string{"lualib.h", "lauxlib.h", "lapi.c", "lvm.c", "lua.c", "luac.c", "onelua.c"} {
		writeFile(t, filepath.Join(src, name), "/* "+name+" */\n")
	}
	writeFile(t, filepath.Join(dir, "etc", "lua.hpp"), "extern \"C\" {}\n")
	return &SourceTree{
		Source:  &ArchiveSource{Program: Lua, Version: version, File: "lua-" + version + ".tar.gz"},
		Dir:     dir,
		Version: version,
	}
}

func (f *buildFixture) luajitTree(t *testing.T) *SourceTree {
	t.Helper()
	dir, err := os.MkdirTemp(f.work, "luajit-")
	if err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(dir, "src")
	for _, name := range []string{"lua.h", "lualib.h", "lauxlib.h", "lua.hpp", "luajit.h"} {
		writeFile(t, filepath.Join(src, name), "/* "+name+" */\n")
	}
	writeFile(t, filepath.Join(src, "luaconf.h"),
		"#ifndef luaconf_h\n#define luaconf_h\n#define LUA_PATH_DEFAULT \"/usr/local/share/lua/5.1/?.lua\"\n#endif\n")
	writeFile(t, filepath.Join(src, "jit", "bcsave.lua"), "return {}\n")
	f.runner.onMake = func(root string, _ []string) {
		for _, name := range []string{"luajit", "libluajit.a", "libluajit.so"} {
			os.WriteFile(filepath.Join(root, "src", name), []byte("built"), 0o755)
		}
	}
	return &SourceTree{
		Source:  &ArchiveSource{Program: LuaJIT, Version: "2.1.0-beta3", File: "LuaJIT-2.1.0-beta3.tar.gz"},
		Dir:     dir,
		Version: "2.1.0-beta3",
	}
}

func (f *buildFixture) install(t *testing.T, kind ProgramKind, tree *SourceTree, cfg BuildConfig) (*InstallResult, error) {
	t.Helper()
	return f.o.Install(context.Background(), InstallRequest{Kind: kind, Target: f.target, Tree: tree, Config: cfg})
}

func TestInstallLua(t *testing.T) {
	f := newBuildFixture(t)
	res, err := f.install(t, Lua, f.luaTree(t, "5.3.5"), DefaultBuildConfig())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Installed {
		t.Fatalf("State = %s", res.State)
	}

	for _, name := range []string{"bin/lua", "bin/luac", "include/lua.h", "include/luaconf.h", "include/lua.hpp", "lib/liblua53.a"} {
		if !fileExists(filepath.Join(f.target, name)) {
			t.Errorf("%s not installed", name)
		}
	}
	for _, name := range []string{"share/lua/5.3", "lib/lua/5.3"} {
		if !dirExists(filepath.Join(f.target, name)) {
			t.Errorf("%s not created", name)
		}
	}
	for _, cmd := range f.runner.commands {
		if strings.Contains(cmd, "onelua") {
			t.Errorf("onelua.c was compiled: %s", cmd)
		}
	}

	conf := readFile(t, filepath.Join(f.target, "include", "luaconf.h"))
	if !strings.Contains(conf, filepath.Join(f.target, "share", "lua", "5.3", "?.lua")) {
		t.Errorf("luaconf.h does not point at the target:\n%s", conf)
	}

	rec := res.Record
	if rec.Program != "lua" || rec.Version != "5.3.5" || rec.Source != "release" || rec.MajorVersion != "5.3" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Toolchain != "linux" || rec.Compat != CompatDefault {
		t.Errorf("toolchain/compat = %q/%q", rec.Toolchain, rec.Compat)
	}

	records, err := f.o.Ledger.Read(f.target)
	if err != nil {
		t.Fatal(err)
	}
	if records["lua"].Fingerprint != rec.Fingerprint {
		t.Error("ledger does not hold the new record")
	}

	lines, err := readBuildLog(f.target, Lua)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "$ gcc") {
		t.Errorf("build log = %v", lines)
	}
}

func TestInstallLuaFlags(t *testing.T) {
	f := newBuildFixture(t)
	cfg := DefaultBuildConfig()
	cfg.CFlags = "-DMY_FLAG"
	if _, err := f.install(t, Lua, f.luaTree(t, "5.3.5"), cfg); err != nil {
		t.Fatal(err)
	}
	var compile string
	for _, cmd := range f.runner.commands {
		if strings.HasSuffix(cmd, " lapi.c") {
			compile = cmd
		}
	}
	if compile == "" {
		t.Fatalf("lapi.c never compiled: %v", f.runner.commands)
	}
	compat := strings.Index(compile, "-DLUA_COMPAT_5_2")
	custom := strings.Index(compile, "-DMY_FLAG")
	if compat < 0 || custom < 0 || custom < compat {
		t.Errorf("custom flags must follow compat flags: %s", compile)
	}
	if !strings.Contains(compile, "-std=gnu99") || !strings.Contains(compile, "-DLUA_USE_READLINE") {
		t.Errorf("missing platform flags: %s", compile)
	}
}

func TestInstallIdempotent(t *testing.T) {
	f := newBuildFixture(t)
	tree := f.luaTree(t, "5.3.5")
	if _, err := f.install(t, Lua, tree, DefaultBuildConfig()); err != nil {
		t.Fatal(err)
	}
	ran := len(f.runner.commands)

	res, err := f.install(t, Lua, tree, DefaultBuildConfig())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != AlreadyInstalled {
		t.Errorf("State = %s, want already installed", res.State)
	}
	if len(f.runner.commands) != ran {
		t.Error("an identical install ran build commands")
	}

	cfg := DefaultBuildConfig()
	cfg.Readline = false
	res, err = f.install(t, Lua, tree, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Installed {
		t.Errorf("changed config: State = %s, want installed", res.State)
	}

	ran = len(f.runner.commands)
	res, err = f.o.Install(context.Background(), InstallRequest{Kind: Lua, Target: f.target, Tree: tree, Config: cfg, IgnoreInstalled: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Installed || len(f.runner.commands) == ran {
		t.Error("--ignore-installed did not rebuild")
	}
}

func TestInstallLocalAlwaysRebuilds(t *testing.T) {
	f := newBuildFixture(t)
	tree := f.luaTree(t, "5.4.0-work2")
	tree.Source = &LocalSource{Program: Lua, Path: tree.Dir}
	tree.Version = ""

	for i := 0; i < 2; i++ {
		res, err := f.install(t, Lua, tree, DefaultBuildConfig())
		if err != nil {
			t.Fatal(err)
		}
		if res.State != Installed {
			t.Errorf("run %d: State = %s", i, res.State)
		}
	}
	rec, _ := f.o.Ledger.Read(f.target)
	if rec["lua"].MajorVersion != "5.4" || rec["lua"].Source != "local" {
		t.Errorf("record = %+v", rec["lua"])
	}
}

func TestInstallUpgradeConflict(t *testing.T) {
	f := newBuildFixture(t)
	if _, err := f.install(t, Lua, f.luaTree(t, "5.3.5"), DefaultBuildConfig()); err != nil {
		t.Fatal(err)
	}
	ran := len(f.runner.commands)

	res, err := f.install(t, Lua, f.luaTree(t, "5.1.5"), DefaultBuildConfig())
	if !errors.Is(err, ErrUpgradeConflict) {
		t.Fatalf("err = %v, want ErrUpgradeConflict", err)
	}
	if res.State != Failed {
		t.Errorf("State = %s", res.State)
	}
	if len(f.runner.commands) != ran {
		t.Error("build commands ran despite the conflict")
	}
	records, _ := f.o.Ledger.Read(f.target)
	if records["lua"].Version != "5.3.5" {
		t.Errorf("ledger changed: %+v", records["lua"])
	}

	// Patch releases of the same family upgrade in place.
	if _, err := f.install(t, Lua, f.luaTree(t, "5.3.4"), DefaultBuildConfig()); err != nil {
		t.Fatalf("upgrade within 5.3: %v", err)
	}
}

func TestInstallBuildFailure(t *testing.T) {
	f := newBuildFixture(t)
	f.runner.failOn = "lvm.c"

	res, err := f.install(t, Lua, f.luaTree(t, "5.3.5"), DefaultBuildConfig())
	if !errors.Is(err, ErrBuild) {
		t.Fatalf("err = %v, want ErrBuild", err)
	}
	if res.State != Failed {
		t.Errorf("State = %s", res.State)
	}
	var perr *PipelineError
	if !errors.As(err, &perr) || perr.Program != "Lua" {
		t.Errorf("err = %#v", err)
	}
	records, _ := f.o.Ledger.Read(f.target)
	if len(records) != 0 {
		t.Errorf("failed build recorded: %v", records)
	}
	lines, err := readBuildLog(f.target, Lua)
	if err != nil {
		t.Fatal(err)
	}
	if lines[len(lines)-1] != "error: simulated failure" {
		t.Errorf("log tail = %v", lines)
	}
}

func TestInstallMissingCompiler(t *testing.T) {
	f := newBuildFixture(t)
	f.o.SelectToolchain = func(target string, r Runner) (Toolchain, error) {
		return selectToolchain("linux", r, func(string) (string, error) { return "", exec.ErrNotFound })
	}
	_, err := f.install(t, Lua, f.luaTree(t, "5.3.5"), DefaultBuildConfig())
	if !errors.Is(err, ErrToolchain) {
		t.Fatalf("err = %v, want ErrToolchain", err)
	}
	if len(f.runner.commands) != 0 {
		t.Errorf("commands ran without a compiler: %v", f.runner.commands)
	}
}

func TestInstallMissingTree(t *testing.T) {
	f := newBuildFixture(t)
	res, err := f.install(t, Lua, nil, DefaultBuildConfig())
	if !errors.Is(err, ErrBuild) || res.State != Failed {
		t.Fatalf("Install = %s, %v", res.State, err)
	}
}

func TestLuaJITReplacesLua(t *testing.T) {
	f := newBuildFixture(t)
	if _, err := f.install(t, Lua, f.luaTree(t, "5.1.5"), DefaultBuildConfig()); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultBuildConfig()
	cfg.Compat = CompatAll
	res, err := f.install(t, LuaJIT, f.luajitTree(t), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Compat != Compat52 {
		t.Errorf("Compat = %q, want 5.2", res.Record.Compat)
	}
	found := false
	for _, cmd := range f.runner.commands {
		if strings.HasPrefix(cmd, "make XCFLAGS=-DLUAJIT_ENABLE_LUA52COMPAT") {
			found = true
		}
	}
	if !found {
		t.Errorf("make not called with the compat flag: %v", f.runner.commands)
	}

	for _, name := range []string{"bin/lua", "include/luajit.h", "lib/libluajit-5.1.a", "lib/libluajit-5.1.so.2", "share/lua/5.1/jit/bcsave.lua"} {
		if !fileExists(filepath.Join(f.target, name)) {
			t.Errorf("%s not installed", name)
		}
	}
	records, err := f.o.Ledger.Read(f.target)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := records["lua"]; ok {
		t.Error("Lua record survived a LuaJIT install")
	}
	if _, ok := records["LuaJIT"]; !ok {
		t.Error("LuaJIT record missing")
	}
}

func TestInstallLuaJITPinsPaths(t *testing.T) {
	f := newBuildFixture(t)
	if _, err := f.install(t, LuaJIT, f.luajitTree(t), DefaultBuildConfig()); err != nil {
		t.Fatal(err)
	}
	conf := readFile(t, filepath.Join(f.target, "include", "luaconf.h"))
	for _, want := range []string{
		filepath.Join(f.target, "share", "lua", "5.1", "?.lua"),
		filepath.Join(f.target, "lib", "lua", "5.1", "?.so"),
		"#undef LUA_PATH_DEFAULT",
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("luaconf.h lacks %q:\n%s", want, conf)
		}
	}
	if strings.Index(conf, "#undef LUA_PATH_DEFAULT") > strings.LastIndex(conf, "#endif") {
		t.Errorf("redefines placed after the include guard:\n%s", conf)
	}
}

func TestLuaRocksRequiresRuntime(t *testing.T) {
	f := newBuildFixture(t)
	tree := &SourceTree{Source: &ArchiveSource{Program: LuaRocks, Version: "3.0.2"}, Dir: t.TempDir(), Version: "3.0.2"}
	res, err := f.install(t, LuaRocks, tree, DefaultBuildConfig())
	if !errors.Is(err, ErrBuild) || !errors.Is(err, errNoRuntime) {
		t.Fatalf("err = %v, want ErrBuild wrapping errNoRuntime", err)
	}
	if res.State != Failed {
		t.Errorf("State = %s", res.State)
	}
}

func TestLuaRocksFollowsRuntime(t *testing.T) {
	f := newBuildFixture(t)
	cfg := DefaultBuildConfig()
	cfg.CFlags = "-O3"
	rt, err := f.install(t, Lua, f.luaTree(t, "5.3.5"), cfg)
	if err != nil {
		t.Fatal(err)
	}

	f.runner.onMake = func(_ string, args []string) {
		if len(args) == 1 && args[0] == "install" {
			writeFile(t, filepath.Join(f.target, "etc", "luarocks", "config-5.3.lua"), "rocks_trees = {}\n")
		}
	}
	tree := &SourceTree{Source: &ArchiveSource{Program: LuaRocks, Version: "3.0.2"}, Dir: t.TempDir(), Version: "3.0.2"}
	res, err := f.install(t, LuaRocks, tree, DefaultBuildConfig())
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.RuntimeFingerprint != rt.Record.Fingerprint {
		t.Error("LuaRocks record does not name its runtime")
	}
	want := []string{
		"./configure --prefix=" + f.target + " --with-lua=" + f.target + " --with-lua-include=" + filepath.Join(f.target, "include"),
		"make build",
		"make install",
	}
	got := f.runner.commands[len(f.runner.commands)-3:]
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, got[i], want[i])
		}
	}
	conf := readFile(t, filepath.Join(f.target, "etc", "luarocks", "config-5.3.lua"))
	if !strings.Contains(conf, `variables = {CFLAGS = "-O2 -fPIC -O3"}`) {
		t.Errorf("config = %q", conf)
	}

	again, err := f.install(t, LuaRocks, tree, DefaultBuildConfig())
	if err != nil || again.State != AlreadyInstalled {
		t.Fatalf("reinstall = %s, %v", again.State, err)
	}

	// Rebuilding the runtime with other flags invalidates LuaRocks.
	if _, err := f.install(t, Lua, f.luaTree(t, "5.3.5"), DefaultBuildConfig()); err != nil {
		t.Fatal(err)
	}
	again, err = f.install(t, LuaRocks, tree, DefaultBuildConfig())
	if err != nil || again.State != Installed {
		t.Fatalf("after runtime change = %s, %v", again.State, err)
	}
}

func TestLuaRocks20UsesDefaultTarget(t *testing.T) {
	f := newBuildFixture(t)
	if _, err := f.install(t, Lua, f.luaTree(t, "5.1.5"), DefaultBuildConfig()); err != nil {
		t.Fatal(err)
	}
	tree := &SourceTree{Source: &ArchiveSource{Program: LuaRocks, Version: "2.0.8"}, Dir: t.TempDir(), Version: "2.0.8"}
	if _, err := f.install(t, LuaRocks, tree, DefaultBuildConfig()); err != nil {
		t.Fatal(err)
	}
	cmds := f.runner.commands
	if cmds[len(cmds)-2] != "make" {
		t.Errorf("LuaRocks 2.0 built with %q", cmds[len(cmds)-2])
	}
}

func TestBuildCache(t *testing.T) {
	f := newBuildFixture(t)
	f.o.Builds = t.TempDir()
	tree := f.luaTree(t, "5.3.5")
	res, err := f.install(t, Lua, tree, DefaultBuildConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !fileExists(Cache{Builds: f.o.Builds}.BuildPath(res.Record.Fingerprint)) {
		t.Fatal("build was not cached")
	}

	os.RemoveAll(filepath.Join(f.target, "bin"))
	ran := len(f.runner.commands)
	res, err = f.o.Install(context.Background(), InstallRequest{Kind: Lua, Target: f.target, Tree: tree, Config: DefaultBuildConfig(), IgnoreInstalled: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Installed {
		t.Errorf("State = %s", res.State)
	}
	if len(f.runner.commands) != ran {
		t.Errorf("cached build ran commands: %v", f.runner.commands[ran:])
	}
	if !fileExists(filepath.Join(f.target, "bin", "lua")) {
		t.Error("bin/lua not restored from the cache")
	}
}

func TestSelectToolchain(t *testing.T) {
	found := func(string) (string, error) { return "/usr/bin/cc", nil }
	tests := map[string]struct {
		msvc, windows bool
	}{
		"linux":  {},
		"macosx": {},
		"mingw":  {windows: true},
		"vs_64":  {msvc: true, windows: true},
	}
	for target, want := range tests {
		tc, err := selectToolchain(target, &fakeRunner{}, found)
		if err != nil {
			t.Fatal(err)
		}
		if tc.Target() != target || tc.MSVC() != want.msvc || tc.Windows() != want.windows {
			t.Errorf("%s: target=%s msvc=%v windows=%v", target, tc.Target(), tc.MSVC(), tc.Windows())
		}
	}
	if _, err := selectToolchain("amiga", &fakeRunner{}, found); err == nil {
		t.Error("unknown target accepted")
	}
	if _, err := selectToolchain("", &fakeRunner{}, found); err != nil {
		t.Errorf("auto-detect: %v", err)
	}
}

func TestRuntimeLibs(t *testing.T) {
	gcc, _ := selectToolchain("linux", nil, nil)
	if s, d := gcc.RuntimeLibs("5.3"); s != "liblua53.a" || d != "" {
		t.Errorf("linux: %s %s", s, d)
	}
	mingw, _ := selectToolchain("mingw", nil, nil)
	if s, d := mingw.RuntimeLibs("5.1"); s != "liblua51.a" || d != "lua51.dll" {
		t.Errorf("mingw: %s %s", s, d)
	}
	vs, _ := selectToolchain("vs", nil, nil)
	if s, d := vs.RuntimeLibs("5.4"); s != "lua54.lib" || d != "lua54.dll" {
		t.Errorf("vs: %s %s", s, d)
	}
	if vs.ExeName("lua") != "lua.exe" || gcc.ExeName("lua") != "lua" {
		t.Error("ExeName")
	}
}

func TestDetectRelease(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "lua.h"), "#define LUA_VERSION_RELEASE\t\"6\"\n")
	if got := detectRelease(dir, "5.3"); got != "5.3.6" {
		t.Errorf("detectRelease = %q", got)
	}
	writeFile(t, filepath.Join(dir, "lua.h"), "#define LUA_RELEASE\t\"Lua 5.1.5\"\n")
	if got := detectRelease(dir, "5.1"); got != "5.1.5" {
		t.Errorf("detectRelease 5.1 = %q", got)
	}
}

func TestInjectMSVCFlags(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "msvcbuild.bat"), "@setlocal\r\n@set LJCOMPILE=cl /nologo /c /O2\r\n@set LJLINK=link\r\n")
	if err := injectMSVCFlags(dir, []string{"/DLUAJIT_ENABLE_LUA52COMPAT"}); err != nil {
		t.Fatal(err)
	}
	want := "@setlocal\r\n@set LJCOMPILE=cl /nologo /c /O2 /DLUAJIT_ENABLE_LUA52COMPAT\r\n@set LJLINK=link\r\n"
	if got := readFile(t, filepath.Join(dir, "msvcbuild.bat")); got != want {
		t.Errorf("msvcbuild.bat = %q", got)
	}
}
