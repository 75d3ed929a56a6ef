package rockyard

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var luaVersionNumRe = regexp.MustCompile(`(?m)^#\s*define\s+LUA_VERSION_NUM\s+50(\d)\b`)

// detectMajorVersion reads the ABI family from lua.h, for sources that are
// not numbered releases.
func detectMajorVersion(srcDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(srcDir, "lua.h"))
	if err != nil {
		return "", fmt.Errorf("failed to read lua.h: %w", err)
	}
	m := luaVersionNumRe.FindSubmatch(data)
	if m == nil {
		return "", fmt.Errorf("lua.h does not define LUA_VERSION_NUM")
	}
	return "5." + string(m[1]), nil
}

// packagePaths returns the default package.path and package.cpath for an
// installation rooted at location. Only paths inside location are searched,
// plus the current directory as upstream does.
func packagePaths(location, major string, windows bool) (string, string) {
	ext := ".so"
	if windows {
		ext = ".dll"
	}
	luaDir := filepath.Join(location, "share", "lua", major)
	libDir := filepath.Join(location, "lib", "lua", major)

	path := []string{filepath.Join(luaDir, "?.lua"), filepath.Join(luaDir, "?", "init.lua")}
	cpath := []string{filepath.Join(libDir, "?"+ext), filepath.Join(libDir, "loadall"+ext)}

	// 5.1 searches the current directory first, later versions after the
	// installation's Lua modules.
	at := 2
	if major == "5.1" {
		at = 0
	}
	path = insertAt(path, at, "."+string(filepath.Separator)+"?.lua")
	cpath = insertAt(cpath, at, "."+string(filepath.Separator)+"?"+ext)
	if major == "5.3" || major == "5.4" {
		path = append(path, "."+string(filepath.Separator)+filepath.Join("?", "init.lua"))
	}
	return strings.Join(path, ";"), strings.Join(cpath, ";")
}

func insertAt(s []string, i int, v string) []string {
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func cString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// luaconfRedefines returns the lines that pin the module search paths to the
// installation and apply header-level compat switches.
func luaconfRedefines(location, major string, windows bool, extra []string) []string {
	path, cpath := packagePaths(location, major, windows)
	lines := append([]string(nil), extra...)
	return append(lines,
		"#undef LUA_PATH_DEFAULT",
		"#undef LUA_CPATH_DEFAULT",
		"#define LUA_PATH_DEFAULT "+cString(path),
		"#define LUA_CPATH_DEFAULT "+cString(cpath),
	)
}

// patchLuaconf inserts redefines before the last #endif of luaconf.h, so they
// take effect after upstream's own definitions.
func patchLuaconf(srcDir string, redefines []string) error {
	name := filepath.Join(srcDir, "luaconf.h")
	data, err := os.ReadFile(name)
	if err != nil {
		return fmt.Errorf("failed to read luaconf.h: %w", err)
	}
	lines := strings.Split(string(data), "\n")
	idx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "#endif") {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("luaconf.h has no #endif")
	}
	block := append([]string{"", "/* rockyard: installation paths */"}, redefines...)
	block = append(block, "")
	out := make([]string, 0, len(lines)+len(block))
	out = append(out, lines[:idx]...)
	out = append(out, block...)
	out = append(out, lines[idx:]...)
	return os.WriteFile(name, []byte(strings.Join(out, "\n")), 0o644)
}
