package rockyard

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// ProgramKind names one of the programs rockyard can install.
type ProgramKind int

const (
	Lua ProgramKind = iota
	LuaJIT
	LuaRocks
)

// Name is the ledger key and the prefix of release file names.
func (k ProgramKind) Name() string {
	switch k {
	case Lua:
		return "lua"
	case LuaJIT:
		return "LuaJIT"
	case LuaRocks:
		return "luarocks"
	}
	return fmt.Sprintf("program(%d)", int(k))
}

func (k ProgramKind) Title() string {
	switch k {
	case Lua:
		return "Lua"
	case LuaJIT:
		return "LuaJIT"
	case LuaRocks:
		return "LuaRocks"
	}
	return k.Name()
}

// IsRuntime reports whether k provides bin/lua.
func (k ProgramKind) IsRuntime() bool { return k == Lua || k == LuaJIT }

func programByName(name string) (ProgramKind, bool) {
	for _, k := range []ProgramKind{Lua, LuaJIT, LuaRocks} {
		if strings.EqualFold(k.Name(), name) {
			return k, true
		}
	}
	return 0, false
}

// releaseTable is the static list of known releases of one program. Adding
// an upstream release means adding it here and to the checksum store.
type releaseTable struct {
	kind        ProgramKind
	defaultRepo string
	versions    []string
	aliases     map[string]string
	fileName    func(version string) string
	urls        func(version string) []string
}

var (
	luaDownloadBases = []string{
		"http://www.lua.org/ftp",
		"http://webserver2.tecgraf.puc-rio.br/lua/mirror/ftp",
	}
	luaWorkBase    = "http://www.lua.org/work"
	luajitBase     = "https://github.com/LuaJIT/LuaJIT/archive"
	luarocksBase   = "http://luarocks.github.io/luarocks/releases"
	windowsRelease = runtime.GOOS == "windows"
)

var releaseTables = map[ProgramKind]*releaseTable{
	Lua: {
		kind:        Lua,
		defaultRepo: "https://github.com/lua/lua",
		versions: []string{
			"5.1", "5.1.1", "5.1.2", "5.1.3", "5.1.4", "5.1.5",
			"5.2.0", "5.2.1", "5.2.2", "5.2.3", "5.2.4",
			"5.3.0", "5.3.1", "5.3.2", "5.3.3", "5.3.4", "5.3.5",
			"5.4.0-work1", "5.4.0-work2",
		},
		// The first 5.1 release has no patch component. Aliases name exact
		// releases and bypass prefix expansion.
		aliases:  map[string]string{"5.1.0": "5.1"},
		fileName: func(v string) string { return "lua-" + v + ".tar.gz" },
		urls: func(v string) []string {
			name := "lua-" + v + ".tar.gz"
			if strings.HasPrefix(v, "5.4.0-work") {
				return []string{luaWorkBase + "/" + name}
			}
			urls := make([]string, 0, len(luaDownloadBases))
			for _, base := range luaDownloadBases {
				urls = append(urls, base+"/"+name)
			}
			return urls
		},
	},
	LuaJIT: {
		kind:        LuaJIT,
		defaultRepo: "https://github.com/LuaJIT/LuaJIT",
		versions: []string{
			"2.0.0", "2.0.1", "2.0.2", "2.0.3", "2.0.4", "2.0.5",
			"2.1.0-beta1", "2.1.0-beta2", "2.1.0-beta3",
		},
		fileName: func(v string) string { return "LuaJIT-" + luajitTag(v) + ".tar.gz" },
		urls: func(v string) []string {
			return []string{luajitBase + "/v" + luajitTag(v) + ".tar.gz"}
		},
	},
	LuaRocks: {
		kind:        LuaRocks,
		defaultRepo: "https://github.com/luarocks/luarocks",
		versions: []string{
			"2.0.8", "2.0.9", "2.0.10", "2.0.11", "2.0.12", "2.0.13",
			"2.1.0", "2.1.1", "2.1.2",
			"2.2.0", "2.2.1", "2.2.2",
			"2.3.0",
			"2.4.0", "2.4.1", "2.4.2", "2.4.3", "2.4.4",
			"3.0.0", "3.0.1", "3.0.2",
		},
		fileName: luarocksFileName,
		urls: func(v string) []string {
			return []string{luarocksBase + "/" + luarocksFileName(v)}
		},
	},
}

// The v2.0.1 tag is broken upstream; v2.0.1-fixed replaces it.
func luajitTag(v string) string {
	if v == "2.0.1" {
		return "2.0.1-fixed"
	}
	return v
}

func luarocksFileName(v string) string {
	if windowsRelease {
		return "luarocks-" + v + "-win32.zip"
	}
	return "luarocks-" + v + ".tar.gz"
}

func semverOf(v string) string { return "v" + v }

func compareVersions(a, b string) int { return semver.Compare(semverOf(a), semverOf(b)) }

func isStable(v string) bool { return semver.Prerelease(semverOf(v)) == "" }

// expand turns a version specifier or alias into an exact release from the
// table. "latest" and "^" mean the newest stable release. Any other string
// matches releases equal to it or extending it by more components; the newest
// stable match wins and prereleases are used only when nothing stable matches.
func (t *releaseTable) expand(spec string) (string, bool) {
	if exact, ok := t.aliases[spec]; ok {
		return exact, true
	}
	var matches []string
	for _, v := range t.versions {
		if spec == "latest" || spec == "^" ||
			v == spec || strings.HasPrefix(v, spec+".") || strings.HasPrefix(v, spec+"-") {
			matches = append(matches, v)
		}
	}
	if len(matches) == 0 {
		return "", false
	}
	sort.Slice(matches, func(i, j int) bool { return compareVersions(matches[i], matches[j]) > 0 })
	for _, v := range matches {
		if isStable(v) {
			return v, true
		}
	}
	if spec == "latest" || spec == "^" {
		return "", false
	}
	return matches[0], true
}

// majorVersion returns the Lua ABI family ("5.1", "5.3", ...) of a release
// of the given runtime.
func majorVersion(kind ProgramKind, v string) string {
	if kind == LuaJIT {
		return "5.1"
	}
	if len(v) >= 3 {
		return v[:3]
	}
	return v
}
