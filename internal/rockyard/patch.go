package rockyard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	errSourceDifferent = errors.New("source is different")
	errSourceTooShort  = errors.New("source is too short")

	fileHeaderRe = regexp.MustCompile(`^([\w.]+):$`)
	hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)`)
)

// PatchRef names one registered patch.
type PatchRef struct {
	File  string `yaml:"file"`
	Title string `yaml:"title"`
}

// PatchEngine applies registered upstream bug fixes to source trees. The
// registry maps program name to exact version to an ordered patch list.
type PatchEngine struct {
	FS       fs.FS
	Registry map[string]map[string][]PatchRef
}

// NewPatchEngine loads the registry embedded in the binary.
func NewPatchEngine() (*PatchEngine, error) {
	sub, err := fs.Sub(embeddedPatches, "patches")
	if err != nil {
		return nil, err
	}
	return loadPatchEngine(sub)
}

func loadPatchEngine(fsys fs.FS) (*PatchEngine, error) {
	data, err := fs.ReadFile(fsys, "index.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read patch index: %w", err)
	}
	reg := make(map[string]map[string][]PatchRef)
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse patch index: %w", err)
	}
	return &PatchEngine{FS: fsys, Registry: reg}, nil
}

// Patches returns the patches registered for the exact version.
func (e *PatchEngine) Patches(kind ProgramKind, version string) []PatchRef {
	return e.Registry[kind.Name()][version]
}

// Apply applies every patch registered for version to the sources in dir,
// in registry order, and returns the titles applied. Nothing happens when
// patches were not requested or none are registered.
func (e *PatchEngine) Apply(dir string, kind ProgramKind, version string, requested bool) ([]string, error) {
	if !requested {
		return nil, nil
	}
	refs := e.Patches(kind, version)
	if len(refs) == 0 {
		colArrow.Print("-> ")
		colNote.Printf("No patches available for %s %s\n", kind.Title(), version)
		return nil, nil
	}

	var applied []string
	for _, ref := range refs {
		data, err := fs.ReadFile(e.FS, path.Clean(ref.File))
		if err != nil {
			return applied, errorf(ErrPatch, kind.Title(), version, "patch", "%s: %w", ref.Title, err)
		}
		p, err := parsePatch(string(data))
		if err != nil {
			return applied, errorf(ErrPatch, kind.Title(), version, "patch", "%s: %w", ref.Title, err)
		}
		if err := p.apply(dir); err != nil {
			return applied, errorf(ErrPatch, kind.Title(), version, "patch", "%s: %w", ref.Title, err)
		}
		step("Patched: %s", ref.Title)
		applied = append(applied, ref.Title)
	}
	return applied, nil
}

type hunk struct {
	start int
	lines []string
}

type filePatch struct {
	name  string
	hunks []hunk
}

type patch struct {
	files []filePatch
}

// parsePatch reads the patch format: a "name.c:" line starts each file,
// "@@ -N" starts a hunk at old line N, and hunk lines begin with ' ', '-'
// or '+'. An empty line is an empty context line.
func parsePatch(text string) (*patch, error) {
	p := &patch{}
	var cur *filePatch
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		if line == "" {
			line = " "
		}
		if m := fileHeaderRe.FindStringSubmatch(line); m != nil {
			p.files = append(p.files, filePatch{name: m[1]})
			cur = &p.files[len(p.files)-1]
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("line %d: hunk content before file header", i+1)
		}
		if m := hunkHeaderRe.FindStringSubmatch(line); m != nil {
			start, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, fmt.Errorf("line %d: bad hunk header %q", i+1, line)
			}
			cur.hunks = append(cur.hunks, hunk{start: start})
			continue
		}
		if len(cur.hunks) == 0 {
			return nil, fmt.Errorf("line %d: hunk line before hunk header", i+1)
		}
		switch line[0] {
		case ' ', '-', '+':
		default:
			return nil, fmt.Errorf("line %d: malformed hunk line %q", i+1, line)
		}
		h := &cur.hunks[len(cur.hunks)-1]
		h.lines = append(h.lines, line)
	}
	if len(p.files) == 0 {
		return nil, errors.New("patch has no files")
	}
	return p, nil
}

// apply rewrites the patched files in dir. All files are prepared first, so
// a failure leaves every file of this patch untouched.
func (p *patch) apply(dir string) error {
	results := make([][]string, len(p.files))
	for i, fp := range p.files {
		target := filepath.Join(dir, fp.name)
		data, err := os.ReadFile(target)
		if err != nil {
			return fmt.Errorf("%s doesn't exist", fp.name)
		}
		out, err := fp.applyTo(splitLines(string(data)))
		if err != nil {
			return fmt.Errorf("%s: %w", fp.name, err)
		}
		results[i] = out
	}
	for i, fp := range p.files {
		content := strings.Join(results[i], "\n") + "\n"
		if err := os.WriteFile(filepath.Join(dir, fp.name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func (fp filePatch) applyTo(old []string) ([]string, error) {
	var out []string
	next := 1 // 1-based number of the next unconsumed old line
	consume := func() (string, error) {
		if next > len(old) {
			return "", errSourceTooShort
		}
		next++
		return old[next-2], nil
	}

	for _, h := range fp.hunks {
		for next < h.start {
			line, err := consume()
			if err != nil {
				return nil, err
			}
			out = append(out, line)
		}
		for _, line := range h.lines {
			op, rest := line[0], line[1:]
			if op == ' ' || op == '-' {
				got, err := consume()
				if err != nil {
					return nil, err
				}
				if got != rest {
					return nil, errSourceDifferent
				}
			}
			if op == ' ' || op == '+' {
				out = append(out, rest)
			}
		}
	}
	for next <= len(old) {
		out = append(out, old[next-1])
		next++
	}
	return out, nil
}
