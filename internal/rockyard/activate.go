package rockyard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ShellFamily selects the dialect of a generated activation script.
type ShellFamily string

const (
	ShellPOSIX      ShellFamily = "posix"
	ShellCsh        ShellFamily = "csh"
	ShellFish       ShellFamily = "fish"
	ShellPowerShell ShellFamily = "powershell"
	ShellCmd        ShellFamily = "cmd"
)

var shellFamilies = []ShellFamily{ShellPOSIX, ShellCsh, ShellFish, ShellPowerShell, ShellCmd}

// ParseShellFamily accepts a family name or a common shell name.
func ParseShellFamily(s string) (ShellFamily, error) {
	switch strings.ToLower(s) {
	case "posix", "sh", "bash", "zsh", "dash", "ksh", "":
		return ShellPOSIX, nil
	case "csh", "tcsh":
		return ShellCsh, nil
	case "fish":
		return ShellFish, nil
	case "powershell", "pwsh", "ps1":
		return ShellPowerShell, nil
	case "cmd", "bat":
		return ShellCmd, nil
	}
	return "", fmt.Errorf("unknown shell %q (want posix, csh, fish, powershell or cmd)", s)
}

// ScriptName is the file in bin/ the family's script is written to.
func (f ShellFamily) ScriptName() string {
	switch f {
	case ShellCsh:
		return "activate.csh"
	case ShellFish:
		return "activate.fish"
	case ShellPowerShell:
		return "activate.ps1"
	case ShellCmd:
		return "activate.bat"
	}
	return "activate"
}

// GenerateActivation returns a script that prepends target/bin to PATH and
// defines deactivate_lua. Activations nest: each deactivate_lua restores the
// PATH saved by the matching activation, and does nothing at depth zero.
func GenerateActivation(target string, shell ShellFamily) (string, error) {
	bin := filepath.Join(target, "bin")
	if strings.ContainsAny(bin, "\n\r\x00") {
		return "", fmt.Errorf("cannot activate %q: path contains control characters", target)
	}
	switch shell {
	case ShellPOSIX:
		return posixActivation(bin)
	case ShellCsh:
		return cshActivation(bin), nil
	case ShellFish:
		return fishActivation(bin), nil
	case ShellPowerShell:
		return powershellActivation(bin), nil
	case ShellCmd:
		return cmdActivation(bin)
	}
	return "", fmt.Errorf("unknown shell family %q", shell)
}

func posixActivation(bin string) (string, error) {
	quoted, err := syntax.Quote(bin, syntax.LangPOSIX)
	if err != nil {
		return "", fmt.Errorf("cannot quote %q: %w", bin, err)
	}
	script := `# Source this file from a POSIX shell: . ` + quoted + `/activate
# Run deactivate_lua to undo it.

_ROCKYARD_DEPTH=$(( ${_ROCKYARD_DEPTH:-0} + 1 ))
eval "_ROCKYARD_PATH_${_ROCKYARD_DEPTH}=\"\$PATH\""
PATH=` + quoted + `:"$PATH"
export PATH

deactivate_lua () {
    if [ "${_ROCKYARD_DEPTH:-0}" -gt 0 ]; then
        eval "PATH=\"\$_ROCKYARD_PATH_${_ROCKYARD_DEPTH}\""
        export PATH
        unset "_ROCKYARD_PATH_${_ROCKYARD_DEPTH}"
        _ROCKYARD_DEPTH=$(( _ROCKYARD_DEPTH - 1 ))
    fi
    if [ -n "${BASH_VERSION:-}" ] || [ -n "${ZSH_VERSION:-}" ]; then
        hash -r 2>/dev/null || true
    fi
}

if [ -n "${BASH_VERSION:-}" ] || [ -n "${ZSH_VERSION:-}" ]; then
    hash -r 2>/dev/null || true
fi
`
	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	if _, err := parser.Parse(strings.NewReader(script), "activate"); err != nil {
		return "", fmt.Errorf("generated script does not parse: %w", err)
	}
	return script, nil
}

func fishQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

func fishActivation(bin string) string {
	q := fishQuote(bin)
	return `# Source this file from fish: source ` + q + `/activate.fish
# Run deactivate_lua to undo it.

set -q _ROCKYARD_DEPTH; or set -g _ROCKYARD_DEPTH 0
set -g _ROCKYARD_DEPTH (math $_ROCKYARD_DEPTH + 1)
set -g _ROCKYARD_PATH_$_ROCKYARD_DEPTH $PATH
set -gx PATH ` + q + ` $PATH

function deactivate_lua
    if test "$_ROCKYARD_DEPTH" -gt 0
        set -l saved _ROCKYARD_PATH_$_ROCKYARD_DEPTH
        set -gx PATH $$saved
        set -e $saved
        set -g _ROCKYARD_DEPTH (math $_ROCKYARD_DEPTH - 1)
    end
end
`
}

// cshQuote single-quotes s. csh expands history even inside single quotes,
// so ! is escaped too.
func cshQuote(s string) string {
	s = strings.ReplaceAll(s, "'", `'\''`)
	return "'" + strings.ReplaceAll(s, "!", `\!`) + "'"
}

func cshActivation(bin string) string {
	q := cshQuote(bin)
	return `# Source this file from csh or tcsh: source ` + q + `/activate.csh
# Run deactivate_lua to undo it.

if ( ! $?_ROCKYARD_STACK ) set _ROCKYARD_STACK = ()
set _ROCKYARD_STACK = ( "$PATH" $_ROCKYARD_STACK:q )
setenv PATH ` + q + `:"$PATH"
rehash

alias deactivate_lua 'if ( $#_ROCKYARD_STACK > 0 ) setenv PATH "$_ROCKYARD_STACK[1]"; if ( $#_ROCKYARD_STACK > 0 ) shift _ROCKYARD_STACK; rehash'
`
}

func powershellActivation(bin string) string {
	q := "'" + strings.ReplaceAll(bin, "'", "''") + "'"
	return `# Dot-source this file from PowerShell: . ` + q + `/activate.ps1
# Run deactivate_lua to undo it.

if (-not (Test-Path variable:global:_ROCKYARD_STACK)) { $global:_ROCKYARD_STACK = @() }
$global:_ROCKYARD_STACK = @($env:PATH) + $global:_ROCKYARD_STACK
$env:PATH = ` + q + ` + [IO.Path]::PathSeparator + $env:PATH

function global:deactivate_lua {
    if ($global:_ROCKYARD_STACK.Count -gt 0) {
        $env:PATH = $global:_ROCKYARD_STACK[0]
        $global:_ROCKYARD_STACK = @($global:_ROCKYARD_STACK | Select-Object -Skip 1)
    }
}
`
}

func cmdPath(bin string) (string, error) {
	if strings.Contains(bin, `"`) {
		return "", fmt.Errorf("cannot activate %q from cmd: path contains a double quote", bin)
	}
	return strings.ReplaceAll(bin, "%", "%%"), nil
}

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func cmdActivation(bin string) (string, error) {
	p, err := cmdPath(bin)
	if err != nil {
		return "", err
	}
	return crlf(
		"@echo off",
		"rem Run this file from cmd.exe. Run deactivate_lua to undo it.",
		`if not defined _ROCKYARD_DEPTH set "_ROCKYARD_DEPTH=0"`,
		`set /a _ROCKYARD_DEPTH+=1 >nul`,
		`set "_ROCKYARD_PATH_%_ROCKYARD_DEPTH%=%PATH%"`,
		`set "PATH=`+p+`;%PATH%"`,
		`doskey deactivate_lua=call "`+filepath.Join(p, "deactivate_lua.bat")+`"`,
	), nil
}

// GenerateCmdDeactivate returns deactivate_lua.bat, which activate.bat
// binds deactivate_lua to.
func GenerateCmdDeactivate(target string) (string, error) {
	if _, err := cmdPath(filepath.Join(target, "bin")); err != nil {
		return "", err
	}
	return crlf(
		"@echo off",
		"if not defined _ROCKYARD_DEPTH goto :eof",
		"if %_ROCKYARD_DEPTH% leq 0 goto :eof",
		`call set "PATH=%%_ROCKYARD_PATH_%_ROCKYARD_DEPTH%%%"`,
		`set "_ROCKYARD_PATH_%_ROCKYARD_DEPTH%="`,
		`set /a _ROCKYARD_DEPTH-=1 >nul`,
	), nil
}

// WriteActivationScripts writes the script of every family into target/bin.
func WriteActivationScripts(target string) error {
	bin := filepath.Join(target, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		return err
	}
	for _, family := range shellFamilies {
		script, err := GenerateActivation(target, family)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(bin, family.ScriptName()), []byte(script), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", family.ScriptName(), err)
		}
	}
	script, err := GenerateCmdDeactivate(target)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(bin, "deactivate_lua.bat"), []byte(script), 0o644)
}
