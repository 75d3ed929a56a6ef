package rockyard

// effectiveCompat normalises the requested mode for a runtime family. The
// result is what actually gets compiled in.
func effectiveCompat(kind ProgramKind, major string, requested CompatMode) CompatMode {
	if kind == LuaJIT {
		if requested == CompatAll || requested == Compat52 {
			return Compat52
		}
		return CompatDefault
	}
	switch major {
	case "5.1":
		if requested == CompatNone {
			return CompatNone
		}
		return CompatDefault
	case "5.2":
		if requested == CompatNone || requested == Compat52 {
			return CompatNone
		}
		return CompatDefault
	case "5.3":
		if requested == CompatDefault || requested == Compat52 {
			return CompatDefault
		}
		return requested
	default:
		return requested
	}
}

// compatCFlags returns the -D switches for an effective compat mode.
func compatCFlags(kind ProgramKind, major string, mode CompatMode) []string {
	if kind == LuaJIT {
		if mode == Compat52 {
			return []string{"-DLUAJIT_ENABLE_LUA52COMPAT"}
		}
		return nil
	}
	var flags []string
	switch major {
	case "5.2":
		if mode == CompatDefault {
			flags = append(flags, "-DLUA_COMPAT_ALL")
		}
	case "5.3":
		if mode == Compat51 || mode == CompatAll {
			flags = append(flags, "-DLUA_COMPAT_5_1")
		}
		if mode == CompatDefault || mode == CompatAll {
			flags = append(flags, "-DLUA_COMPAT_5_2")
		}
	case "5.4":
		if mode == CompatDefault || mode == CompatAll {
			flags = append(flags, "-DLUA_COMPAT_5_3")
		}
	}
	return flags
}

// compatRedefines returns luaconf.h lines for compat switches that can only
// be turned off by editing the header. Lua 5.1 enables its 5.0 switches
// unconditionally there.
func compatRedefines(kind ProgramKind, major string, mode CompatMode) []string {
	if kind != Lua || major != "5.1" || mode != CompatNone {
		return nil
	}
	return []string{
		"#undef LUA_COMPAT_VARARG",
		"#undef LUA_COMPAT_MOD",
		"#undef LUA_COMPAT_LSTR",
		"#undef LUA_COMPAT_GFIND",
		"#undef LUA_COMPAT_OPENLIB",
	}
}
