package rockyard

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

func (j *buildJob) luajitCFlags() []string {
	flags := compatCFlags(LuaJIT, j.major, j.compat)
	return append(flags, strings.Fields(j.req.Config.CFlags)...)
}

// injectMSVCFlags appends flags to the first LJCOMPILE assignment in
// msvcbuild.bat, the only hook its build script offers.
func injectMSVCFlags(srcDir string, flags []string) error {
	name := filepath.Join(srcDir, "msvcbuild.bat")
	data, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	marker := []byte("@set LJCOMPILE")
	i := bytes.Index(data, marker)
	if i < 0 {
		return fmt.Errorf("msvcbuild.bat has no LJCOMPILE assignment")
	}
	rest := data[i:]
	eol := bytes.IndexByte(rest, '\n')
	if eol < 0 {
		eol = len(rest)
	}
	if eol > 0 && rest[eol-1] == '\r' {
		eol--
	}
	var out bytes.Buffer
	out.Write(data[:i])
	out.Write(rest[:eol])
	out.WriteString(" " + strings.Join(flags, " "))
	out.Write(rest[eol:])
	return os.WriteFile(name, out.Bytes(), 0o644)
}

func (j *buildJob) compileLuaJIT() error {
	if err := patchLuaconf(j.srcDir, luaconfRedefines(j.req.Target, j.major, j.tc.Windows(), nil)); err != nil {
		return j.buildErr("configure", err)
	}
	flags := j.luajitCFlags()
	if j.tc.MSVC() {
		if len(flags) > 0 {
			if err := injectMSVCFlags(j.srcDir, flags); err != nil {
				return j.buildErr("configure", err)
			}
		}
		cmd := exec.CommandContext(j.ctx, "cmd", "/c", "msvcbuild.bat")
		cmd.Dir = j.srcDir
		if err := j.runner.Run(cmd); err != nil {
			return j.buildErr("compile", err)
		}
		return nil
	}

	var args []string
	if len(flags) > 0 {
		args = append(args, "XCFLAGS="+strings.Join(flags, " "))
	}
	if err := j.tc.Make(j.ctx, j.req.Tree.Dir, args...); err != nil {
		return j.buildErr("compile", err)
	}
	return nil
}

func (j *buildJob) installLuaJIT() error {
	dir := j.srcDir
	tc := j.tc
	target := j.req.Target
	bin := filepath.Join(target, "bin")
	lib := filepath.Join(target, "lib")

	if err := copyFile(filepath.Join(dir, tc.ExeName("luajit")), filepath.Join(bin, tc.ExeName("lua"))); err != nil {
		return j.buildErr("install", fmt.Errorf("failed to install luajit: %w", err))
	}
	if tc.Windows() {
		if err := j.installFiles(dir, bin, []string{"lua51.dll"}); err != nil {
			return err
		}
	}

	headers := []string{"lua.h", "luaconf.h", "lualib.h", "lauxlib.h", "lua.hpp", "luajit.h"}
	if err := j.installFiles(dir, filepath.Join(target, "include"), headers); err != nil {
		return err
	}

	switch {
	case tc.MSVC():
		if err := j.installFiles(dir, lib, []string{"lua51.lib"}); err != nil {
			return err
		}
	case !tc.Windows():
		if err := copyFile(filepath.Join(dir, "libluajit.a"), filepath.Join(lib, "libluajit-5.1.a")); err != nil {
			return j.buildErr("install", err)
		}
		if err := copyFile(filepath.Join(dir, "libluajit.so"), filepath.Join(lib, "libluajit-5.1.so.2")); err != nil {
			return j.buildErr("install", err)
		}
	}

	jit := filepath.Join(target, "share", "lua", j.major, "jit")
	if err := os.RemoveAll(jit); err != nil {
		return j.buildErr("install", err)
	}
	if err := copyTree(filepath.Join(dir, "jit"), jit); err != nil {
		return j.buildErr("install", fmt.Errorf("failed to install jit library: %w", err))
	}
	return nil
}
