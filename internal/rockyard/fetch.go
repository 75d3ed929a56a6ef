package rockyard

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// SourceTree is a prepared, writable copy of a program's sources.
type SourceTree struct {
	Source Source
	Dir    string
	// Version is the exact release for archive sources, empty otherwise.
	Version string
	// Commit is the checked-out revision for git sources.
	Commit string
}

// Fetcher obtains sources, caching archives and default git repositories
// below Downloads when it is set.
type Fetcher struct {
	Downloads  string        // cache root; empty disables caching
	WorkDir    string        // parent for unpacked working trees
	Timeout    time.Duration // per HTTP request
	Retries    int           // attempts per URL
	RetryDelay time.Duration
	GitCache   bool
	Mirror     ObjectMirror // optional last-resort source of archives
	Runner     Runner       // runs git
	Client     *http.Client
	Quiet      bool
}

func newHttpClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	// Some mirrors are slow to complete the handshake.
	transport.TLSHandshakeTimeout = 30 * time.Second

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// Obtain returns a working tree for src. Archive sources are verified against
// their checksum before anything is unpacked.
func (f *Fetcher) Obtain(ctx context.Context, src Source) (*SourceTree, error) {
	switch s := src.(type) {
	case *ArchiveSource:
		return f.obtainArchive(ctx, s)
	case *GitSource:
		return f.obtainGit(ctx, s)
	case *LocalSource:
		return f.obtainLocal(s)
	}
	return nil, fmt.Errorf("unsupported source type %T", src)
}

func (f *Fetcher) workTree(kind ProgramKind) (string, error) {
	if err := os.MkdirAll(f.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}
	return os.MkdirTemp(f.WorkDir, kind.Name()+"-")
}

func (f *Fetcher) obtainLocal(s *LocalSource) (*SourceTree, error) {
	if !dirExists(s.Path) {
		return nil, errorf(ErrResolution, s.Program.Title(), "", "fetch", "local source directory %s does not exist", s.Path)
	}
	dir, err := f.workTree(s.Program)
	if err != nil {
		return nil, newError(ErrBuild, s.Program.Title(), "", "fetch", err)
	}
	if err := copyTree(s.Path, dir, ".git"); err != nil {
		return nil, errorf(ErrBuild, s.Program.Title(), "", "fetch", "failed to copy %s: %w", s.Path, err)
	}
	return &SourceTree{Source: s, Dir: dir}, nil
}

func (f *Fetcher) obtainArchive(ctx context.Context, s *ArchiveSource) (*SourceTree, error) {
	title := s.Program.Title()
	archive, err := f.fetchArchive(ctx, s)
	if err != nil {
		return nil, err
	}
	if f.Downloads == "" {
		defer os.Remove(archive)
	}

	dir, err := f.workTree(s.Program)
	if err != nil {
		return nil, newError(ErrBuild, title, s.Version, "unpack", err)
	}
	if err := unpackArchive(archive, dir); err != nil {
		os.RemoveAll(dir)
		return nil, newError(ErrBuild, title, s.Version, "unpack", err)
	}
	return &SourceTree{Source: s, Dir: dir, Version: s.Version}, nil
}

// fetchArchive returns the path of a verified copy of the release archive.
func (f *Fetcher) fetchArchive(ctx context.Context, s *ArchiveSource) (string, error) {
	title := s.Program.Title()
	dest := f.archivePath(s)

	if fileExists(dest) {
		if f.Downloads != "" {
			debugf("Using cached %s\n", dest)
		}
		if err := verifyFile(dest, s.SHA256); err != nil {
			os.Remove(dest)
			return "", newError(ErrIntegrity, title, s.Version, "verify", err)
		}
		return dest, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", newError(ErrNetwork, title, s.Version, "fetch", err)
	}
	part := dest + ".part"
	defer os.Remove(part)

	if err := f.download(ctx, s, part); err != nil {
		return "", newError(ErrNetwork, title, s.Version, "fetch", err)
	}
	if err := verifyFile(part, s.SHA256); err != nil {
		return "", newError(ErrIntegrity, title, s.Version, "verify", err)
	}
	if err := os.Rename(part, dest); err != nil {
		return "", newError(ErrNetwork, title, s.Version, "fetch", err)
	}
	return dest, nil
}

func (f *Fetcher) archivePath(s *ArchiveSource) string {
	if f.Downloads != "" {
		return Cache{Downloads: f.Downloads}.ArchivePath(s.File)
	}
	return filepath.Join(f.WorkDir, s.File)
}

// download tries every URL of s in order, each with bounded retries, and
// then the object mirror when one is configured.
func (f *Fetcher) download(ctx context.Context, s *ArchiveSource, dest string) error {
	attempts := max(f.Retries, 1)
	var lastErr error
	for _, url := range s.URLs {
		for attempt := 1; attempt <= attempts; attempt++ {
			if attempt == 1 {
				step("Fetching %s from %s", s.Program.Title(), url)
			} else {
				colArrow.Print("-> ")
				colWarn.Printf("Retrying %s (attempt %d/%d)\n", url, attempt, attempts)
			}
			lastErr = f.get(ctx, url, dest)
			if lastErr == nil {
				return nil
			}
			debugf("download of %s failed: %v\n", url, lastErr)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < attempts {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(f.RetryDelay * time.Duration(attempt)):
				}
			}
		}
	}

	if f.Mirror != nil {
		step("Fetching %s from %s", s.File, f.Mirror.Describe())
		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		err = f.Mirror.Fetch(ctx, s.File, out)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%v; mirror: %w", lastErr, err)
	}
	return fmt.Errorf("all download locations failed, last error: %w", lastErr)
}

func (f *Fetcher) get(ctx context.Context, url, dest string) error {
	client := f.Client
	if client == nil {
		client = newHttpClient(f.Timeout)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dest, err)
	}
	defer out.Close()

	var w io.Writer = out
	if !f.Quiet && term.IsTerminal(int(os.Stdout.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, strings.TrimSuffix(filepath.Base(dest), ".part"))
		defer bar.Finish()
		w = io.MultiWriter(out, bar)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return out.Close()
}
