package rockyard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/gookit/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type installOptions struct {
	lua      string
	luajit   string
	luarocks string

	compat     string
	patch      bool
	cflags     string
	noReadline bool
	target     string

	ignoreInstalled bool
	show            bool
	yaml            bool
}

// flagKeys binds config keys to the root command's flags.
var flagKeys = map[string]string{
	keyDownloads:  "downloads",
	keyBuilds:     "builds",
	keyNoGitCache: "no-git-cache",
	keyNoCache:    "no-cache",
	keyNice:       "nice",
	keyTimeout:    "timeout",
	keyRetries:    "retries",
}

func versionString() string {
	if version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (built %s)", version, buildDate)
}

// settingsFor loads the config file and applies the flags of cmd on top.
func settingsFor(cmd *cobra.Command) (*Settings, error) {
	path := ConfigFile
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	keys := map[string]string{}
	for k, name := range flagKeys {
		if cmd.Flags().Lookup(name) != nil {
			keys[k] = name
		}
	}
	if err := cfg.bindFlags(cmd.Flags(), keys); err != nil {
		return nil, err
	}
	return initConfig(cfg)
}

func addCacheFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("downloads", "", "cache downloaded archives and default git repos in `DIR` (default $XDG_CACHE_HOME/rockyard)")
	f.Bool("no-cache", false, "do not cache downloads at all")
	f.Bool("no-git-cache", false, "always clone git repos afresh, even with --downloads")
	f.String("builds", "", "cache built trees in `DIR`, keyed by build fingerprint")
	f.String("timeout", "", "timeout for each download request, in `SECONDS`")
	f.Int("retries", 0, "download attempts per URL")
}

func newRootCmd(ctx context.Context) *cobra.Command {
	opts := &installOptions{}
	root := &cobra.Command{
		Use:   "rockyard [flags] <location>",
		Short: "Install Lua, LuaJIT and LuaRocks into a local directory",
		Long: `rockyard installs a Lua runtime (PUC-Rio Lua or LuaJIT) and LuaRocks into a
private directory, and writes activation scripts into its bin directory.

Version specifiers may be a version ("5.3", "latest", "^"), a git reference
("@", "@5.3", "https://github.com/user/lua@branch") or a local directory.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if Verbose {
				Debug = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := settingsFor(cmd)
			if err != nil {
				return err
			}
			return runInstall(ctx, args[0], opts, settings)
		},
	}

	pf := root.PersistentFlags()
	pf.BoolVar(&Verbose, "verbose", false, "show build output and debug messages")
	pf.StringVar(&ConfigFile, "config", "", "config file (default $XDG_CONFIG_HOME/rockyard/rockyard.conf)")

	f := root.Flags()
	f.StringVarP(&opts.lua, "lua", "l", "", "install PUC-Rio Lua `VERSION`")
	f.StringVarP(&opts.luajit, "luajit", "j", "", "install LuaJIT `VERSION`")
	f.StringVarP(&opts.luarocks, "luarocks", "r", "", "install LuaRocks `VERSION`")
	f.StringVar(&opts.compat, "compat", "default", "compatibility flags: default, none, all, 5.1 or 5.2")
	f.BoolVar(&opts.patch, "patch", false, "apply upstream bug-fix patches to Lua")
	f.StringVar(&opts.cflags, "cflags", "", "additional C compiler flags for Lua, LuaJIT and rocks")
	f.BoolVar(&opts.noReadline, "no-readline", false, "build Lua without readline")
	f.StringVar(&opts.target, "target", "", "build target: "+strings.Join(knownTargets, ", "))
	f.BoolVarP(&opts.ignoreInstalled, "ignore-installed", "i", false, "rebuild even if the same build is installed")
	f.BoolVar(&opts.show, "show", false, "show what is installed in location, after installing anything requested")
	f.BoolVar(&opts.yaml, "yaml", false, "with --show, print the installed records as YAML")
	f.Bool("nice", false, "run compilers at idle priority")
	addCacheFlags(root)

	root.AddCommand(newActivateScriptCmd(), newLogCmd(), newMirrorCmd(ctx), newCacheCmd())
	return root
}

func runInstall(ctx context.Context, location string, opts *installOptions, settings *Settings) error {
	target, err := filepath.Abs(location)
	if err != nil {
		return err
	}
	ledger := NewLedger()
	if opts.show && opts.lua == "" && opts.luajit == "" && opts.luarocks == "" {
		return showInstalled(ledger, target, opts.yaml)
	}

	if opts.lua != "" && opts.luajit != "" {
		return fmt.Errorf("--lua and --luajit are mutually exclusive")
	}
	if opts.lua == "" && opts.luajit == "" && opts.luarocks == "" {
		return fmt.Errorf("nothing to install: use --lua, --luajit or --luarocks")
	}
	compat, err := ParseCompatMode(opts.compat)
	if err != nil {
		return err
	}
	config := BuildConfig{
		Compat:   compat,
		Patch:    opts.patch,
		CFlags:   strings.Join(strings.Fields(opts.cflags), " "),
		Readline: !opts.noReadline,
		Target:   opts.target,
	}

	type request struct {
		kind ProgramKind
		spec string
	}
	var requests []request
	if opts.lua != "" {
		requests = append(requests, request{Lua, opts.lua})
	}
	if opts.luajit != "" {
		requests = append(requests, request{LuaJIT, opts.luajit})
	}
	if opts.luarocks != "" {
		requests = append(requests, request{LuaRocks, opts.luarocks})
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	work, err := os.MkdirTemp("", "rockyard-")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(work)

	executor := NewExecutor(ctx)
	executor.ApplyIdlePriority = settings.Nice
	fetcher := &Fetcher{
		Downloads:  settings.Downloads,
		WorkDir:    work,
		Timeout:    settings.Timeout,
		Retries:    settings.Retries,
		RetryDelay: 2 * time.Second,
		GitCache:   !settings.NoGitCache,
		Runner:     executor,
		Client:     newHttpClient(settings.Timeout),
	}
	if mirror, err := NewS3Mirror(ctx, settings); err != nil {
		return err
	} else if mirror != nil {
		fetcher.Mirror = mirror
	}

	patches, err := NewPatchEngine()
	if err != nil {
		return err
	}
	orch := NewOrchestrator(executor, ledger, patches, settings.Builds)
	resolver := NewResolver()

	for _, r := range requests {
		src, err := resolver.Resolve(r.spec, r.kind)
		if err != nil {
			return err
		}
		step("Preparing %s", describeSource(src))
		tree, err := fetcher.Obtain(ctx, src)
		if err != nil {
			return err
		}
		res, err := orch.Install(ctx, InstallRequest{
			Kind:            r.kind,
			Target:          target,
			Tree:            tree,
			Config:          config,
			IgnoreInstalled: opts.ignoreInstalled,
		})
		os.RemoveAll(tree.Dir)
		if err != nil {
			return err
		}
		reportInstall(r.kind, res)
	}

	if err := WriteActivationScripts(target); err != nil {
		return fmt.Errorf("failed to write activation scripts: %w", err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Done. Activate with: . %s\n", filepath.Join(target, "bin", "activate"))
	if opts.show {
		return showInstalled(ledger, target, opts.yaml)
	}
	return nil
}

func reportInstall(kind ProgramKind, res *InstallResult) {
	rec := res.Record
	switch res.State {
	case AlreadyInstalled:
		colArrow.Print("-> ")
		colNote.Printf("%s %s already installed\n", kind.Title(), rec.Version)
	case Installed:
		colArrow.Print("-> ")
		colSuccess.Printf("Installed %s %s", kind.Title(), rec.Version)
		if rec.Commit != "" {
			colSuccess.Printf(" (%s)", shortCommit(rec.Commit))
		}
		if n := len(res.Patches); n > 0 {
			colSuccess.Printf(", %d patch(es) applied", n)
		}
		fmt.Println()
	}
}

func shortCommit(c string) string {
	if len(c) > 10 {
		return c[:10]
	}
	return c
}

func showInstalled(ledger *Ledger, target string, asYAML bool) error {
	records, err := ledger.Read(target)
	if err != nil {
		return err
	}
	if asYAML {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(records)
	}
	if len(records) == 0 {
		cPrintf(colNote, "Nothing installed in %s\n", target)
		return nil
	}
	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)

	cPrintf(colInfo, "Programs installed in %s:\n", target)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, name := range names {
		rec := records[name]
		kind, _ := programByName(name)
		details := []string{"Lua " + rec.MajorVersion}
		if rec.Compat != "" {
			details = append(details, "compat "+string(rec.Compat))
		}
		if rec.Config.Patch && kind == Lua {
			details = append(details, "patched")
		}
		if rec.Config.CFlags != "" {
			details = append(details, "cflags "+rec.Config.CFlags)
		}
		if rec.Commit != "" {
			details = append(details, "commit "+shortCommit(rec.Commit))
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", kind.Title(), rec.Version, strings.Join(details, ", "),
			rec.InstalledAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func newActivateScriptCmd() *cobra.Command {
	var shell string
	cmd := &cobra.Command{
		Use:   "activate-script <location>",
		Short: "Print the activation script of location for a shell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, err := ParseShellFamily(shell)
			if err != nil {
				return err
			}
			target, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			script, err := GenerateActivation(target, family)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), script)
			return nil
		},
	}
	cmd.Flags().StringVar(&shell, "shell", "posix", "shell family: posix, csh, fish, powershell or cmd")
	return cmd
}

func newLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <location> <program>",
		Short: "Show the log of the latest build of lua, LuaJIT or luarocks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := programByName(args[1])
			if !ok {
				return fmt.Errorf("unknown program %q (want lua, LuaJIT or luarocks)", args[1])
			}
			target, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			lines, err := readBuildLog(target, kind)
			if err != nil {
				return err
			}
			return showLines(kind.Title()+" build log", lines)
		},
	}
}

func newMirrorCmd(ctx context.Context) *cobra.Command {
	mirror := &cobra.Command{
		Use:   "mirror",
		Short: "Manage the S3 mirror of release archives",
	}
	push := &cobra.Command{
		Use:   "push",
		Short: "Upload cached release archives missing from the mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := settingsFor(cmd)
			if err != nil {
				return err
			}
			if settings.Downloads == "" {
				return fmt.Errorf("no downloads directory: set DOWNLOADS or pass --downloads")
			}
			m, err := NewS3Mirror(ctx, settings)
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("no mirror configured: set S3_BUCKET")
			}
			n, err := m.Push(ctx, settings.Downloads, defaultChecksums)
			if err != nil {
				return err
			}
			colArrow.Print("-> ")
			colSuccess.Printf("Uploaded %d archive(s) to %s\n", n, m.Describe())
			return nil
		},
	}
	addCacheFlags(push)
	mirror.AddCommand(push)
	return mirror
}

func newCacheCmd() *cobra.Command {
	var clean []string
	var all bool
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "List or clean cached archives, git clones and builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := settingsFor(cmd)
			if err != nil {
				return err
			}
			cache := Cache{Downloads: settings.Downloads, Builds: settings.Builds}
			if all || len(clean) > 0 {
				n, err := cache.Clean(clean...)
				if err != nil {
					return err
				}
				colArrow.Print("-> ")
				colSuccess.Printf("Removed %d cache entr%s\n", n, map[bool]string{true: "y", false: "ies"}[n == 1])
				return nil
			}
			entries, err := cache.Entries()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				cPrintln(colNote, "Cache is empty")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			var total int64
			for _, e := range entries {
				fmt.Fprintf(tw, "  %s\t%s\t%s\n", e.Kind, e.Path, humanSize(e.Size))
				total += e.Size
			}
			fmt.Fprintf(tw, "  total\t\t%s\n", humanSize(total))
			return tw.Flush()
		},
	}
	addCacheFlags(cmd)
	cmd.Flags().StringSliceVar(&clean, "clean", nil, "remove cached entries of `KIND` (archive, git, build)")
	cmd.Flags().BoolVar(&all, "clean-all", false, "remove every cached entry")
	return cmd
}

// Main is the CLI entrypoint.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					// Files are being copied into the target: only a second
					// signal may interrupt that.
					colArrow.Print("\n-> ")
					colError.Printf("Installation in progress. Press Ctrl+C AGAIN to force exit NOW.\n")
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.\n")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				}

				colArrow.Print("\n-> ")
				color.Danger.Printf("Received %v. Cancelling\n", sig)
				cancel()
				select {
				case <-sigs:
					colArrow.Print("\n-> ")
					color.Danger.Printf("Second interrupt received. Forcing immediate exit.\n")
					os.Exit(130)
				case <-time.After(5 * time.Second):
					colArrow.Print("\n-> ")
					color.Danger.Printf("Graceful shutdown timeout. Exiting.\n")
					os.Exit(130)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	root := newRootCmd(ctx)
	if err := fang.Execute(ctx, root, fang.WithVersion(versionString())); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
