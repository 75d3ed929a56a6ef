package rockyard

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExpandVersions(t *testing.T) {
	tests := []struct {
		kind ProgramKind
		spec string
		want string
	}{
		{Lua, "5.2", "5.2.4"},
		{Lua, "5.3", "5.3.5"},
		{Lua, "5.1", "5.1.5"},
		{Lua, "5.1.0", "5.1"},
		{Lua, "5.3.2", "5.3.2"},
		{Lua, "5", "5.3.5"},
		{Lua, "latest", "5.3.5"},
		{Lua, "^", "5.3.5"},
		{Lua, "5.4", "5.4.0-work2"},
		{Lua, "5.4.0-work1", "5.4.0-work1"},
		{LuaJIT, "2.0", "2.0.5"},
		{LuaJIT, "2.1", "2.1.0-beta3"},
		{LuaJIT, "latest", "2.0.5"},
		{LuaRocks, "2.0", "2.0.13"},
		{LuaRocks, "2", "2.4.4"},
		{LuaRocks, "3", "3.0.2"},
		{LuaRocks, "^", "3.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.kind.Name()+"/"+tt.spec, func(t *testing.T) {
			got, ok := releaseTables[tt.kind].expand(tt.spec)
			if !ok {
				t.Fatalf("expand(%q) found nothing", tt.spec)
			}
			if got != tt.want {
				t.Errorf("expand(%q) = %q, want %q", tt.spec, got, tt.want)
			}
		})
	}
}

func TestExpandUnknown(t *testing.T) {
	for _, spec := range []string{"6", "5.3.9", "5.31", "banana"} {
		if v, ok := releaseTables[Lua].expand(spec); ok {
			t.Errorf("expand(%q) = %q, want no match", spec, v)
		}
	}
}

func TestResolveRelease(t *testing.T) {
	src, err := NewResolver().Resolve("5.2", Lua)
	if err != nil {
		t.Fatal(err)
	}
	want := &ArchiveSource{
		Program: Lua,
		Version: "5.2.4",
		File:    "lua-5.2.4.tar.gz",
		URLs: []string{
			"http://www.lua.org/ftp/lua-5.2.4.tar.gz",
			"http://webserver2.tecgraf.puc-rio.br/lua/mirror/ftp/lua-5.2.4.tar.gz",
		},
		SHA256: "b9e2e4aad6789b3b63a056d442f7b39f0ecfca3ae0f1fc0ae4e9614401b69f4b",
	}
	if diff := cmp.Diff(want, src); diff != "" {
		t.Errorf("Resolve(5.2) mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveLuaJITFixedTag(t *testing.T) {
	src, err := NewResolver().Resolve("2.0.1", LuaJIT)
	if err != nil {
		t.Fatal(err)
	}
	a := src.(*ArchiveSource)
	if a.File != "LuaJIT-2.0.1-fixed.tar.gz" {
		t.Errorf("File = %q", a.File)
	}
	if diff := cmp.Diff([]string{"https://github.com/LuaJIT/LuaJIT/archive/v2.0.1-fixed.tar.gz"}, a.URLs); diff != "" {
		t.Errorf("URLs mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveWorkRelease(t *testing.T) {
	src, err := NewResolver().Resolve("5.4.0-work2", Lua)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"http://www.lua.org/work/lua-5.4.0-work2.tar.gz"}, src.(*ArchiveSource).URLs); diff != "" {
		t.Errorf("URLs mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveGit(t *testing.T) {
	tests := []struct {
		spec string
		want *GitSource
	}{
		{"@", &GitSource{Program: Lua, Repo: "https://github.com/lua/lua", Ref: "master", DefaultRepo: true}},
		{"@v5.3.5", &GitSource{Program: Lua, Repo: "https://github.com/lua/lua", Ref: "v5.3.5", DefaultRepo: true}},
		{"https://github.com/lua/lua@", &GitSource{Program: Lua, Repo: "https://github.com/lua/lua", Ref: "master", DefaultRepo: true}},
		{"https://example.com/fork.git@fix", &GitSource{Program: Lua, Repo: "https://example.com/fork.git", Ref: "fix"}},
		{"git@github.com:me/lua@dev", &GitSource{Program: Lua, Repo: "git@github.com:me/lua", Ref: "dev"}},
	}
	r := NewResolver()
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			src, err := r.Resolve(tt.spec, Lua)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, src); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveLocal(t *testing.T) {
	dir := t.TempDir()
	src, err := NewResolver().Resolve(dir, LuaJIT)
	if err != nil {
		t.Fatal(err)
	}
	local, ok := src.(*LocalSource)
	if !ok {
		t.Fatalf("got %T, want *LocalSource", src)
	}
	if !filepath.IsAbs(local.Path) || local.Path != dir {
		t.Errorf("Path = %q, want %q", local.Path, dir)
	}
	if local.Identity() != "local:"+dir {
		t.Errorf("Identity = %q", local.Identity())
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		r    *Resolver
		spec string
	}{
		{"unknown version", NewResolver(), "9.9"},
		{"empty", NewResolver(), "  "},
		{"missing directory", NewResolver(), "./no/such/dir"},
		{"missing checksum", &Resolver{Tables: releaseTables, Checksums: ChecksumStore{}}, "5.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.r.Resolve(tt.spec, Lua)
			if !errors.Is(err, ErrResolution) {
				t.Fatalf("err = %v, want ErrResolution", err)
			}
			var pe *PipelineError
			if !errors.As(err, &pe) || pe.Program != "Lua" {
				t.Errorf("err = %#v, want a PipelineError for Lua", err)
			}
		})
	}
}

func TestChecksumLookup(t *testing.T) {
	sum, ok := defaultChecksums.Lookup(Lua, "5.3.5")
	if !ok || sum != "0c2eed3f960446e1a3e4b9a1ca2f3ff893b6ce41942cf54d5dd59ab4b3b058ac" {
		t.Errorf("Lookup(Lua, 5.3.5) = %q, %v", sum, ok)
	}
	if _, ok := defaultChecksums.Lookup(Lua, "5.9.9"); ok {
		t.Error("Lookup of an unknown release succeeded")
	}
	// Every table entry must be resolvable.
	for kind, table := range releaseTables {
		for _, v := range table.versions {
			if _, ok := defaultChecksums.Lookup(kind, v); !ok {
				t.Errorf("no checksum for %s %s", kind.Title(), v)
			}
		}
	}
}

func TestResolveUsesChecksumStore(t *testing.T) {
	store := ChecksumStore{Lua: {"lua-5.2.4.tar.gz": "feed"}}
	r := &Resolver{Tables: releaseTables, Checksums: store}
	src, err := r.Resolve("5.2", Lua)
	if err != nil {
		t.Fatal(err)
	}
	if got := src.(*ArchiveSource).SHA256; got != "feed" {
		t.Errorf("SHA256 = %q, want the store's entry", got)
	}
}
