package rockyard

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

var luarocks20MakefileRe = regexp.MustCompile(`(?m)^\s*all:\s+built\s*$`)

// isLuaRocks20 reports whether the tree uses the 2.0 makefile, whose
// default target builds and which has no "build" target.
func (j *buildJob) isLuaRocks20() bool {
	if v := j.req.Tree.Version; v != "" {
		return compareVersions(v, "2.1.0") < 0
	}
	data, err := os.ReadFile(filepath.Join(j.req.Tree.Dir, "Makefile"))
	if err != nil {
		return false
	}
	return luarocks20MakefileRe.Match(data)
}

func (j *buildJob) luarocksConfigPath() string {
	name := "config-" + j.major + ".lua"
	if j.tc.Windows() {
		return filepath.Join(j.req.Target, "luarocks", name)
	}
	return filepath.Join(j.req.Target, "etc", "luarocks", name)
}

func (j *buildJob) luarocksDefaultCFlags() string {
	switch {
	case j.tc.MSVC():
		return "/nologo /MD /O2"
	case j.tc.Windows():
		return "-O2"
	}
	return "-O2 -fPIC"
}

func (j *buildJob) compileLuaRocks() error {
	// The Windows installer builds and installs in one go.
	if j.tc.Windows() {
		return nil
	}
	target := j.req.Target
	cmd := exec.CommandContext(j.ctx, "./configure",
		"--prefix="+target,
		"--with-lua="+target,
		"--with-lua-include="+filepath.Join(target, "include"))
	cmd.Dir = j.req.Tree.Dir
	if err := j.runner.Run(cmd); err != nil {
		return j.buildErr("configure", err)
	}

	var err error
	if j.isLuaRocks20() {
		err = j.tc.Make(j.ctx, j.req.Tree.Dir)
	} else {
		err = j.tc.Make(j.ctx, j.req.Tree.Dir, "build")
	}
	if err != nil {
		return j.buildErr("compile", err)
	}
	return nil
}

func (j *buildJob) installLuaRocks() error {
	if j.tc.Windows() {
		if err := j.installLuaRocksWindows(); err != nil {
			return err
		}
	} else if err := j.tc.Make(j.ctx, j.req.Tree.Dir, "install"); err != nil {
		return j.buildErr("install", err)
	}

	var extra strings.Builder
	if j.tc.Windows() && !j.tc.MSVC() {
		extra.WriteString("\ncmake_generator = \"MinGW Makefiles\"\n")
	}
	// Rocks with C modules must be compiled like the runtime was.
	if cflags := j.runtime.Config.CFlags; cflags != "" {
		fmt.Fprintf(&extra, "\nvariables = {CFLAGS = %q}\n", j.luarocksDefaultCFlags()+" "+cflags)
	}
	if extra.Len() == 0 {
		return nil
	}
	f, err := os.OpenFile(j.luarocksConfigPath(), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return j.buildErr("install", err)
	}
	if _, err := f.WriteString(extra.String()); err != nil {
		f.Close()
		return j.buildErr("install", err)
	}
	return f.Close()
}

func (j *buildJob) installLuaRocksWindows() error {
	dir := j.req.Tree.Dir
	target := j.req.Target

	help := exec.CommandContext(j.ctx, "cmd", "/c", "install.bat", "/?")
	help.Dir = dir
	helpText, _ := output(j.runner, help)

	args := []string{"/c", "install.bat", "/P", filepath.Join(target, "luarocks"), "/LUA", target, "/F"}
	if !j.tc.MSVC() {
		args = append(args, "/MW")
	}
	if strings.Contains(helpText, "/LV") {
		args = append(args, "/LV", j.major)
	}
	if strings.Contains(helpText, "/NOREG") {
		args = append(args, "/NOREG", "/Q")
	}
	if strings.Contains(helpText, "/NOADMIN") {
		args = append(args, "/NOADMIN")
	}
	cmd := exec.CommandContext(j.ctx, "cmd", args...)
	cmd.Dir = dir
	if err := j.runner.Run(cmd); err != nil {
		return j.buildErr("install", err)
	}

	for _, script := range []string{"luarocks.bat", "luarocks-admin.bat"} {
		found := false
		for _, sub := range []string{".", "2.2", "2.1", "2.0"} {
			src := filepath.Join(target, "luarocks", sub, script)
			if !fileExists(src) {
				continue
			}
			if err := copyFile(src, filepath.Join(target, "bin", script)); err != nil {
				return j.buildErr("install", err)
			}
			found = true
			break
		}
		if !found {
			return j.buildErr("install", fmt.Errorf("can't find %s in %s", script, filepath.Join(target, "luarocks")))
		}
	}
	return nil
}
