package rockyard

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// luaSourceDir returns where the C sources live: src/ in release tarballs,
// the root in the GitHub mirror layout.
func luaSourceDir(root string) string {
	if fileExists(filepath.Join(root, "src", "lua.h")) {
		return filepath.Join(root, "src")
	}
	return root
}

var (
	luaReleaseNumRe = regexp.MustCompile(`(?m)^#\s*define\s+LUA_VERSION_RELEASE\s+"(\d+)"`)
	luaRelease51Re  = regexp.MustCompile(`(?m)^#\s*define\s+LUA_RELEASE\s+"Lua (5\.1\.\d+)"`)
)

// detectRelease reads the exact release from lua.h so patches can be
// applied to git and local sources. It returns "" when lua.h doesn't say.
func detectRelease(srcDir, major string) string {
	data, err := os.ReadFile(filepath.Join(srcDir, "lua.h"))
	if err != nil {
		return ""
	}
	if m := luaReleaseNumRe.FindSubmatch(data); m != nil {
		return major + "." + string(m[1])
	}
	if m := luaRelease51Re.FindSubmatch(data); m != nil {
		return string(m[1])
	}
	return ""
}

// luaFlags returns compiler and linker flags for PUC-Rio Lua. Compat and
// user flags come last so they can override platform defaults.
func (j *buildJob) luaFlags() (cflags, lflags []string) {
	target := j.tc.Target()
	readline := j.req.Config.Readline

	switch target {
	case "linux", "freebsd", "macosx":
		cflags = []string{"-DLUA_USE_POSIX", "-DLUA_USE_DLOPEN"}
		if j.major == "5.2" {
			cflags = append(cflags, "-DLUA_USE_STRTODHEX", "-DLUA_USE_AFORMAT", "-DLUA_USE_LONGLONG")
		}
		if readline {
			cflags = append(cflags, "-DLUA_USE_READLINE")
		}
		switch target {
		case "linux":
			lflags = []string{"-Wl,-E", "-ldl"}
			if readline {
				if j.major == "5.1" {
					lflags = append(lflags, "-lreadline", "-lhistory", "-lncurses")
				} else {
					lflags = append(lflags, "-lreadline")
				}
			}
		case "freebsd":
			if readline {
				lflags = append(lflags, "-Wl,-E", "-lreadline")
			}
		case "macosx":
			if readline {
				lflags = append(lflags, "-lreadline")
			}
		}
	case "posix":
		cflags = []string{"-DLUA_USE_POSIX"}
	}

	cflags = append(cflags, compatCFlags(Lua, j.major, j.compat)...)
	cflags = append(cflags, strings.Fields(j.req.Config.CFlags)...)

	if !j.tc.MSVC() {
		base := []string{"-O2", "-Wall", "-Wextra"}
		if j.major == "5.3" || j.major == "5.4" {
			base = append([]string{"-std=gnu99"}, base...)
		}
		cflags = append(base, cflags...)
		lflags = append(lflags, "-lm")
	}
	return cflags, lflags
}

// luaProgramSources are compiled with static flags and kept out of the
// library.
var luaProgramSources = map[string]bool{"lua.c": true, "luac.c": true, "print.c": true}

func (j *buildJob) compileLua() error {
	ctx := j.ctx
	tc := j.tc
	dir := j.srcDir

	applied, err := j.patches.Apply(dir, Lua, j.release, j.req.Config.Patch)
	j.applied = applied
	if err != nil {
		return err
	}

	redefines := luaconfRedefines(j.req.Target, j.major, tc.Windows(), compatRedefines(Lua, j.major, j.compat))
	if err := patchLuaconf(dir, redefines); err != nil {
		return j.buildErr("configure", err)
	}

	staticFlags, lflags := j.luaFlags()
	cflags := staticFlags
	if tc.Windows() {
		cflags = append([]string{"-DLUA_BUILD_AS_DLL"}, staticFlags...)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return j.buildErr("compile", err)
	}
	var sources []string
	for _, e := range entries {
		name := e.Name()
		// onelua.c includes every other file and would define everything twice.
		if e.IsDir() || filepath.Ext(name) != ".c" || name == "onelua.c" {
			continue
		}
		sources = append(sources, name)
	}
	sort.Strings(sources)

	var libObjs, luacObjs []string
	var luaObj string
	for _, src := range sources {
		flags := cflags
		if src == "luac.c" || src == "print.c" {
			flags = staticFlags
		}
		obj, err := tc.Compile(ctx, dir, src, flags)
		if err != nil {
			return j.buildErr("compile", err)
		}
		switch {
		case src == "lua.c":
			luaObj = obj
		case luaProgramSources[src]:
			luacObjs = append(luacObjs, obj)
		default:
			libObjs = append(libObjs, obj)
		}
	}
	if luaObj == "" {
		return j.buildErr("compile", errMissingLuaC)
	}

	static, shared := tc.RuntimeLibs(j.major)
	if err := tc.Archive(ctx, dir, static, libObjs); err != nil {
		return j.buildErr("archive", err)
	}

	// Some git mirrors ship without luac.
	if len(luacObjs) > 0 {
		var err error
		if tc.MSVC() {
			err = tc.Link(ctx, dir, tc.ExeName("luac"), append(luacObjs, libObjs...), nil)
		} else {
			err = tc.Link(ctx, dir, tc.ExeName("luac"), append(luacObjs, static), lflags)
		}
		if err != nil {
			return j.buildErr("link", err)
		}
	}

	switch {
	case tc.Windows() && !tc.MSVC():
		if err := tc.LinkShared(ctx, dir, shared, libObjs); err != nil {
			return j.buildErr("link", err)
		}
		err = tc.Link(ctx, dir, tc.ExeName("lua"), []string{"-s", luaObj, shared}, nil)
	case tc.MSVC():
		if err := tc.LinkShared(ctx, dir, shared, libObjs); err != nil {
			return j.buildErr("link", err)
		}
		err = tc.Link(ctx, dir, tc.ExeName("lua"), []string{luaObj, static}, nil)
	default:
		err = tc.Link(ctx, dir, tc.ExeName("lua"), []string{luaObj, static}, lflags)
	}
	if err != nil {
		return j.buildErr("link", err)
	}
	return nil
}

func (j *buildJob) installLua() error {
	dir := j.srcDir
	tc := j.tc
	target := j.req.Target
	static, shared := tc.RuntimeLibs(j.major)

	bins := []string{tc.ExeName("lua")}
	if shared != "" {
		bins = append(bins, shared)
	}
	if err := j.installFiles(dir, filepath.Join(target, "bin"), bins, tc.ExeName("luac")); err != nil {
		return err
	}

	headers := []string{"lua.h", "luaconf.h", "lualib.h", "lauxlib.h"}
	include := filepath.Join(target, "include")
	if err := j.installFiles(dir, include, headers, "lua.hpp"); err != nil {
		return err
	}
	if !fileExists(filepath.Join(dir, "lua.hpp")) {
		if hpp := filepath.Join(dir, "..", "etc", "lua.hpp"); fileExists(hpp) {
			if err := copyFile(hpp, filepath.Join(include, "lua.hpp")); err != nil {
				return j.buildErr("install", err)
			}
		}
	}
	return j.installFiles(dir, filepath.Join(target, "lib"), []string{static})
}
