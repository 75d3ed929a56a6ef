package rockyard

import (
	"embed"
	"errors"
	"sync/atomic"

	"github.com/gookit/color"
)

// We use a value of 1 while files are being copied into a target directory
// and 0 otherwise. The signal handler in Main reads it.
var isCriticalAtomic atomic.Int32

// Global variables
var (
	Debug      bool
	Verbose    bool
	ConfigFile string
	version    = "dev"     // overridden at build time
	buildDate  = "unknown" // overridden at build time

	errNoRuntime = errors.New("no Lua runtime installed in target directory")

	//go:embed patches
	embeddedPatches embed.FS
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

// enterCritical marks the start of a section that should not be interrupted
// by a single Ctrl-C. The returned func ends it.
func enterCritical() func() {
	isCriticalAtomic.Store(1)
	return func() { isCriticalAtomic.Store(0) }
}
