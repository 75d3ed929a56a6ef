package rockyard

import (
	"fmt"
	"strconv"
	"strings"

	"lukechampine.com/blake3"
)

// CompatMode selects which legacy-version compatibility switches a runtime
// is built with.
type CompatMode string

const (
	CompatDefault CompatMode = "default"
	CompatNone    CompatMode = "none"
	CompatAll     CompatMode = "all"
	Compat51      CompatMode = "5.1"
	Compat52      CompatMode = "5.2"
)

// ParseCompatMode validates a --compat value.
func ParseCompatMode(s string) (CompatMode, error) {
	switch m := CompatMode(s); m {
	case CompatDefault, CompatNone, CompatAll, Compat51, Compat52:
		return m, nil
	case "":
		return CompatDefault, nil
	}
	return "", fmt.Errorf("invalid compat mode %q (want default, none, all, 5.1 or 5.2)", s)
}

// BuildConfig holds every option that influences compiled output. It is
// passed by value and never mutated after the CLI builds it.
type BuildConfig struct {
	Compat   CompatMode `yaml:"compat"`
	Patch    bool       `yaml:"patch"`
	CFlags   string     `yaml:"cflags,omitempty"`
	Readline bool       `yaml:"readline"`
	Target   string     `yaml:"target"`
}

// DefaultBuildConfig matches running with no build flags.
func DefaultBuildConfig() BuildConfig {
	return BuildConfig{Compat: CompatDefault, Readline: true}
}

// fingerprintFields lists the configuration that matters for kind, in a
// fixed order. LuaJIT is built by its own makefile, which ignores patches
// and readline; LuaRocks depends only on the runtime it was configured for.
func (c BuildConfig) fingerprintFields(kind ProgramKind) [][2]string {
	switch kind {
	case Lua:
		return [][2]string{
			{"compat", string(c.Compat)},
			{"patch", strconv.FormatBool(c.Patch)},
			{"cflags", c.CFlags},
			{"readline", strconv.FormatBool(c.Readline)},
			{"target", c.Target},
		}
	case LuaJIT:
		return [][2]string{
			{"compat", string(c.Compat)},
			{"cflags", c.CFlags},
			{"target", c.Target},
		}
	}
	return nil
}

// fingerprintInput is everything that identifies one installation.
type fingerprintInput struct {
	Kind     ProgramKind
	Identity string // version, git repo@ref+commit, or local path
	Target   string // installation directory
	Config   BuildConfig
	Runtime  string // fingerprint of the runtime LuaRocks is configured against
}

// Fingerprint is a BLAKE3-256 digest over a canonical key=value listing of
// in. It does not depend on map order or memory layout.
func Fingerprint(in fingerprintInput) string {
	var b strings.Builder
	field := func(k, v string) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(v))
		b.WriteByte('\n')
	}
	field("program", in.Kind.Name())
	field("source", in.Identity)
	field("location", in.Target)
	for _, kv := range in.Config.fingerprintFields(in.Kind) {
		field(kv[0], kv[1])
	}
	if in.Kind == LuaRocks {
		field("runtime", in.Runtime)
	}

	h := blake3.New(32, nil)
	h.Write([]byte(b.String()))
	return fmt.Sprintf("%x", h.Sum(nil))
}
