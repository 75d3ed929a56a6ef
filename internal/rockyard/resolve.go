package rockyard

import (
	"fmt"
	"path/filepath"
	"strings"
)

// gitRefDelimiter separates a repository from a ref in a version specifier,
// as in "https://github.com/lua/lua@v5.3.5" or "@v5.3.5".
const gitRefDelimiter = "@"

// defaultGitRef is used when a git specifier names no ref.
const defaultGitRef = "master"

// Source is the resolved origin of a program's code. It is one of
// *ArchiveSource, *GitSource or *LocalSource.
type Source interface {
	Kind() ProgramKind
	// Identity is stable for a given origin and is used for cache keys and
	// fingerprints.
	Identity() string
	isSource()
}

// ArchiveSource is a release tarball with a known checksum. URLs[0] is the
// primary location, the rest are mirrors.
type ArchiveSource struct {
	Program ProgramKind
	Version string
	File    string
	URLs    []string
	SHA256  string
}

// GitSource is a repository and a branch, tag or commit.
type GitSource struct {
	Program     ProgramKind
	Repo        string
	Ref         string
	DefaultRepo bool
}

// LocalSource is an existing directory used as-is.
type LocalSource struct {
	Program ProgramKind
	Path    string
}

func (s *ArchiveSource) Kind() ProgramKind { return s.Program }
func (s *ArchiveSource) Identity() string  { return s.Version }
func (*ArchiveSource) isSource()           {}

func (s *GitSource) Kind() ProgramKind { return s.Program }
func (s *GitSource) Identity() string  { return "git:" + s.Repo + gitRefDelimiter + s.Ref }
func (*GitSource) isSource()           {}

func (s *LocalSource) Kind() ProgramKind { return s.Program }
func (s *LocalSource) Identity() string  { return "local:" + s.Path }
func (*LocalSource) isSource()           {}

// Resolver turns version specifiers into sources.
type Resolver struct {
	Tables    map[ProgramKind]*releaseTable
	Checksums ChecksumStore
}

// NewResolver returns a resolver over the built-in release and checksum tables.
func NewResolver() *Resolver {
	return &Resolver{Tables: releaseTables, Checksums: defaultChecksums}
}

// Resolve interprets spec for the given program. A specifier containing "@"
// is a git reference, an existing directory is a local source, and anything
// else is looked up in the release table.
func (r *Resolver) Resolve(spec string, kind ProgramKind) (Source, error) {
	table, ok := r.Tables[kind]
	if !ok {
		return nil, errorf(ErrResolution, kind.Name(), spec, "resolve", "unknown program")
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errorf(ErrResolution, kind.Title(), "", "resolve", "empty version specifier")
	}

	if i := strings.LastIndex(spec, gitRefDelimiter); i >= 0 {
		repo, ref := spec[:i], spec[i+1:]
		src := &GitSource{Program: kind, Repo: repo, Ref: ref}
		if src.Repo == "" || src.Repo == table.defaultRepo {
			src.Repo = table.defaultRepo
			src.DefaultRepo = true
		}
		if src.Ref == "" {
			src.Ref = defaultGitRef
		}
		debugf("Resolved %s %q to git %s ref %s\n", kind.Title(), spec, src.Repo, src.Ref)
		return src, nil
	}

	if looksLikePath(spec) || dirExists(spec) {
		if !dirExists(spec) {
			return nil, errorf(ErrResolution, kind.Title(), spec, "resolve", "local source directory %s does not exist", spec)
		}
		abs, err := filepath.Abs(spec)
		if err != nil {
			return nil, newError(ErrResolution, kind.Title(), spec, "resolve", err)
		}
		return &LocalSource{Program: kind, Path: abs}, nil
	}

	v, ok := table.expand(spec)
	if !ok {
		return nil, errorf(ErrResolution, kind.Title(), spec, "resolve",
			"unknown version %q (known: %s)", spec, strings.Join(table.versions, ", "))
	}
	sum, ok := r.Checksums.Lookup(kind, v)
	if !ok {
		return nil, errorf(ErrResolution, kind.Title(), v, "resolve", "no checksum known for %s", table.fileName(v))
	}
	return &ArchiveSource{
		Program: kind,
		Version: v,
		File:    table.fileName(v),
		URLs:    table.urls(v),
		SHA256:  sum,
	}, nil
}

// looksLikePath reports whether spec is unambiguously meant as a directory,
// so that a missing one is an error rather than an unknown version.
func looksLikePath(spec string) bool {
	return strings.HasPrefix(spec, ".") || strings.ContainsAny(spec, `/\`) || filepath.IsAbs(spec)
}

// describeSource is used in progress output.
func describeSource(src Source) string {
	switch s := src.(type) {
	case *ArchiveSource:
		return fmt.Sprintf("%s %s", s.Program.Title(), s.Version)
	case *GitSource:
		return fmt.Sprintf("%s from %s @ %s", s.Program.Title(), s.Repo, s.Ref)
	case *LocalSource:
		return fmt.Sprintf("%s from %s", s.Program.Title(), s.Path)
	}
	return "unknown source"
}
