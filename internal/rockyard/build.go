package rockyard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// BuildState is the position of one install attempt in the pipeline.
type BuildState int

const (
	NotStarted BuildState = iota
	SourcePrepared
	AlreadyInstalled
	Building
	Installed
	Failed
)

func (s BuildState) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case SourcePrepared:
		return "source prepared"
	case AlreadyInstalled:
		return "already installed"
	case Building:
		return "building"
	case Installed:
		return "installed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// InstallRequest asks for one program to be built from a prepared tree and
// installed into Target.
type InstallRequest struct {
	Kind            ProgramKind
	Target          string
	Tree            *SourceTree
	Config          BuildConfig
	IgnoreInstalled bool
}

// InstallResult reports the final state and the record now in the ledger.
type InstallResult struct {
	State   BuildState
	Record  InstalledRecord
	Patches []string
}

// Orchestrator builds and installs programs into target directories.
type Orchestrator struct {
	Ledger  *Ledger
	Patches *PatchEngine
	// Builds, when set, caches built trees keyed by fingerprint.
	Builds string
	// NewRunner returns the runner used for one build; output written by
	// the commands it runs should go to log.
	NewRunner func(log io.Writer) Runner
	// SelectToolchain defaults to SelectToolchain.
	SelectToolchain func(target string, r Runner) (Toolchain, error)
	Now             func() time.Time
}

// NewOrchestrator runs build commands through executor, logging each build.
func NewOrchestrator(executor *Executor, ledger *Ledger, patches *PatchEngine, builds string) *Orchestrator {
	return &Orchestrator{
		Ledger:          ledger,
		Patches:         patches,
		Builds:          builds,
		NewRunner:       func(log io.Writer) Runner { return executor.WithLog(log) },
		SelectToolchain: SelectToolchain,
		Now:             time.Now,
	}
}

// buildJob carries the state of one build through its steps.
type buildJob struct {
	ctx     context.Context
	kind    ProgramKind
	req     InstallRequest
	tc      Toolchain
	runner  Runner
	srcDir  string
	major   string
	release string // exact release for patch lookup; empty when unknown
	compat  CompatMode
	runtime *InstalledRecord
	patches *PatchEngine
	applied []string
}

func sourceInfo(tree *SourceTree) (kind, version, repo, commit string) {
	switch s := tree.Source.(type) {
	case *ArchiveSource:
		return "release", s.Version, "", ""
	case *GitSource:
		return "git", s.Identity(), s.Repo, tree.Commit
	case *LocalSource:
		return "local", s.Identity(), "", ""
	}
	return "unknown", "", "", ""
}

func treeIdentity(tree *SourceTree) string {
	id := tree.Source.Identity()
	if tree.Commit != "" {
		id += "#" + tree.Commit
	}
	return id
}

// Install runs one program through the build state machine.
func (o *Orchestrator) Install(ctx context.Context, req InstallRequest) (*InstallResult, error) {
	result := &InstallResult{State: NotStarted}
	if req.Tree == nil || !dirExists(req.Tree.Dir) {
		result.State = Failed
		return result, errorf(ErrBuild, req.Kind.Title(), "", "prepare", "source tree is missing")
	}
	result.State = SourcePrepared

	srcKind, displayVersion, repo, commit := sourceInfo(req.Tree)
	title := req.Kind.Title()

	installed, err := o.Ledger.Read(req.Target)
	if err != nil {
		colArrow.Print("-> ")
		colWarn.Printf("Ignoring install ledger: %v\n", err)
		installed = map[string]InstalledRecord{}
	}

	job := &buildJob{ctx: ctx, kind: req.Kind, req: req, patches: o.Patches}
	fpIn := fingerprintInput{
		Kind:     req.Kind,
		Identity: treeIdentity(req.Tree),
		Target:   req.Target,
		Config:   req.Config,
	}
	if req.Kind == LuaRocks {
		rt, ok := installedRuntime(installed)
		if !ok {
			result.State = Failed
			return result, errorf(ErrBuild, title, displayVersion, "prepare",
				"%w; install Lua or LuaJIT into %s first", errNoRuntime, req.Target)
		}
		job.runtime = &rt
		job.major = rt.MajorVersion
		fpIn.Runtime = rt.Fingerprint
	}
	fp := Fingerprint(fpIn)

	// Step 1: idempotency.
	if prev, ok := installed[req.Kind.Name()]; ok && !req.IgnoreInstalled && srcKind != "local" && prev.Fingerprint == fp {
		result.State = AlreadyInstalled
		result.Record = prev
		return result, nil
	}

	if req.Kind.IsRuntime() {
		if err := job.resolveRuntimeVersion(); err != nil {
			result.State = Failed
			return result, withContext(err, ErrBuild, title, displayVersion, "prepare")
		}
		// Seamless upgrades only within one ABI family, checked before anything
		// in the target is touched.
		if rt, ok := installedRuntime(installed); ok && rt.MajorVersion != job.major {
			result.State = Failed
			return result, errorf(ErrUpgradeConflict, title, displayVersion, "upgrade",
				"%s already contains %s %s (Lua %s); cannot install Lua %s over it, use a fresh directory",
				req.Target, rt.Program, rt.Version, rt.MajorVersion, job.major)
		}
	}

	result.State = Building
	var log bytes.Buffer
	job.runner = o.NewRunner(&log)
	rec, err := o.build(job, fp)
	if lerr := saveBuildLog(req.Target, req.Kind, log.Bytes()); lerr != nil {
		debugf("failed to save build log: %v\n", lerr)
	}
	if err != nil {
		result.State = Failed
		printLogTail(log.Bytes(), 20)
		return result, withContext(err, ErrBuild, title, displayVersion, "build")
	}

	rec.Program = req.Kind.Name()
	rec.Version = displayVersion
	rec.Source = srcKind
	rec.Repo = repo
	rec.Commit = commit
	rec.Fingerprint = fp
	rec.Config = req.Config
	rec.InstalledAt = o.Now().UTC()
	if err := o.Ledger.Write(req.Target, rec); err != nil {
		result.State = Failed
		return result, withContext(err, ErrLedger, title, displayVersion, "record")
	}
	// Lua and LuaJIT both own bin/lua; only the latest one is installed.
	if req.Kind.IsRuntime() {
		other := LuaJIT
		if req.Kind == LuaJIT {
			other = Lua
		}
		if _, ok := installed[other.Name()]; ok {
			if err := o.Ledger.Delete(req.Target, other.Name()); err != nil {
				return result, withContext(err, ErrLedger, title, displayVersion, "record")
			}
		}
	}

	result.State = Installed
	result.Record = rec
	result.Patches = job.applied
	return result, nil
}

// installedRuntime returns the Lua or LuaJIT record of a target, if any.
func installedRuntime(installed map[string]InstalledRecord) (InstalledRecord, bool) {
	if rec, ok := installed[Lua.Name()]; ok {
		return rec, true
	}
	rec, ok := installed[LuaJIT.Name()]
	return rec, ok
}

// resolveRuntimeVersion finds the source directory, the ABI family and,
// when possible, the exact release of a runtime tree.
func (j *buildJob) resolveRuntimeVersion() error {
	tree := j.req.Tree
	if j.kind == LuaJIT {
		j.srcDir = filepath.Join(tree.Dir, "src")
		j.major = "5.1"
		j.release = tree.Version
		return nil
	}
	j.srcDir = luaSourceDir(tree.Dir)
	if tree.Version != "" {
		j.release = tree.Version
		j.major = majorVersion(Lua, tree.Version)
		return nil
	}
	major, err := detectMajorVersion(j.srcDir)
	if err != nil {
		return err
	}
	j.major = major
	j.release = detectRelease(j.srcDir, major)
	return nil
}

// build selects the toolchain, compiles (or restores a cached build) and
// installs. The returned record has only the build-specific fields set.
func (o *Orchestrator) build(j *buildJob, fp string) (InstalledRecord, error) {
	var rec InstalledRecord
	title := j.kind.Title()

	target := j.req.Config.Target
	if j.kind == LuaRocks {
		target = j.runtime.Toolchain
	}
	tc, err := o.SelectToolchain(target, j.runner)
	if err != nil {
		return rec, newError(ErrToolchain, title, "", "toolchain", err)
	}
	if err := tc.Detect(j.ctx); err != nil {
		return rec, newError(ErrToolchain, title, "", "toolchain", err)
	}
	j.tc = tc
	if j.kind.IsRuntime() {
		j.compat = effectiveCompat(j.kind, j.major, j.req.Config.Compat)
	}

	cached := ""
	if _, local := j.req.Tree.Source.(*LocalSource); o.Builds != "" && !local {
		cached = Cache{Builds: o.Builds}.BuildPath(fp)
	}

	if cached != "" && fileExists(cached) {
		step("Using cached build of %s", title)
		if err := os.RemoveAll(j.req.Tree.Dir); err != nil {
			return rec, newError(ErrBuild, title, "", "cache", err)
		}
		if err := unpackTree(cached, j.req.Tree.Dir); err != nil {
			return rec, newError(ErrBuild, title, "", "cache", err)
		}
	} else {
		step("Building %s", title)
		if err := j.compile(); err != nil {
			return rec, err
		}
		if cached != "" {
			if err := packTree(j.req.Tree.Dir, cached); err != nil {
				colArrow.Print("-> ")
				colWarn.Printf("Failed to cache build of %s: %v\n", title, err)
			}
		}
	}

	step("Installing %s", title)
	leave := enterCritical()
	err = j.install()
	leave()
	if err != nil {
		return rec, err
	}

	rec.MajorVersion = j.major
	if j.kind.IsRuntime() {
		rec.Compat = j.compat
		rec.Toolchain = tc.Target()
	} else {
		rec.RuntimeFingerprint = j.runtime.Fingerprint
	}
	return rec, nil
}

func (j *buildJob) compile() error {
	switch j.kind {
	case Lua:
		return j.compileLua()
	case LuaJIT:
		return j.compileLuaJIT()
	case LuaRocks:
		return j.compileLuaRocks()
	}
	return fmt.Errorf("cannot build %s", j.kind.Title())
}

func (j *buildJob) install() error {
	dirs := []string{"bin", "include", "lib"}
	if j.major != "" {
		dirs = append(dirs, filepath.Join("share", "lua", j.major), filepath.Join("lib", "lua", j.major))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(j.req.Target, d), 0o755); err != nil {
			return newError(ErrBuild, j.kind.Title(), "", "install", err)
		}
	}
	switch j.kind {
	case Lua:
		return j.installLua()
	case LuaJIT:
		return j.installLuaJIT()
	case LuaRocks:
		return j.installLuaRocks()
	}
	return fmt.Errorf("cannot install %s", j.kind.Title())
}

// buildErr wraps a failing build command.
func (j *buildJob) buildErr(step string, err error) error {
	return newError(ErrBuild, j.kind.Title(), "", step, err)
}

// installFiles copies names from dir into dest. Missing optional files are
// skipped; a missing required file fails the install.
func (j *buildJob) installFiles(dir, dest string, required []string, optional ...string) error {
	for _, name := range required {
		if err := copyFile(filepath.Join(dir, name), filepath.Join(dest, filepath.Base(name))); err != nil {
			return j.buildErr("install", fmt.Errorf("failed to install %s: %w", name, err))
		}
	}
	for _, name := range optional {
		src := filepath.Join(dir, name)
		if !fileExists(src) {
			continue
		}
		if err := copyFile(src, filepath.Join(dest, filepath.Base(name))); err != nil {
			return j.buildErr("install", fmt.Errorf("failed to install %s: %w", name, err))
		}
	}
	return nil
}
