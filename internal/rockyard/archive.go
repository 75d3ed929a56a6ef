package rockyard

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// unpackArchive extracts a downloaded release into dest, dropping the single
// top-level directory every upstream release tarball carries.
func unpackArchive(path, dest string) error {
	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open archive %s: %w", path, err)
		}
		defer f.Close()
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		defer gz.Close()
		return extractTar(tar.NewReader(gz), dest, true)
	case strings.HasSuffix(path, ".zip"):
		return unzip(path, dest, true)
	}
	return fmt.Errorf("unsupported archive format: %s", path)
}

// safeJoin joins name onto dest, refusing entries that would escape it.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if target != filepath.Clean(dest) && !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return target, nil
}

// checkLinkTarget rejects a symlink at path whose target resolves outside
// dest, so later entries cannot be written through it.
func checkLinkTarget(dest, path, linkname string) error {
	resolved := linkname
	if !filepath.IsAbs(linkname) {
		resolved = filepath.Join(filepath.Dir(path), linkname)
	}
	rel, err := filepath.Rel(filepath.Clean(dest), filepath.Clean(resolved))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("illegal symlink in archive: %s -> %s", path, linkname)
	}
	return nil
}

// extractTar writes the entries of tr below dest. With strip set, the first
// path component of every entry is removed, which flattens "lua-5.3.5/src"
// into "src".
func extractTar(tr *tar.Reader, dest string, strip bool) error {
	var prefix string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header: %w", err)
		}

		// Skip PAX headers (global or per-file)
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if strip {
			if prefix == "" {
				if i := strings.Index(name, "/"); i != -1 {
					prefix = name[:i+1]
				} else if hdr.Typeflag == tar.TypeDir {
					prefix = name + "/"
				}
			}
			if prefix != "" && name+"/" == prefix {
				continue
			}
			name = strings.TrimPrefix(name, prefix)
		}
		if name == "" {
			continue
		}

		target, err := safeJoin(dest, name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", target, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)|0o600)
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to write file %s: %w", target, err)
			}
			out.Close()
			if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
				debugf("Warning: failed to set times for %s: %v\n", target, err)
			}
		case tar.TypeSymlink:
			if err := checkLinkTarget(dest, target, hdr.Linkname); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}
	return nil
}

func unzip(src, dest string, strip bool) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	var prefix string
	if strip && len(r.File) > 0 {
		if i := strings.Index(r.File[0].Name, "/"); i != -1 {
			prefix = r.File[0].Name[:i+1]
		}
		for _, f := range r.File {
			if !strings.HasPrefix(f.Name, prefix) {
				prefix = ""
				break
			}
		}
	}

	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, prefix)
		if name == "" {
			continue
		}
		fpath, err := safeJoin(dest, name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
			return err
		}
		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode()|0o600)
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}
		_, err = io.Copy(outFile, rc)

		// Close inside the loop to avoid holding too many file descriptors.
		outFile.Close()
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// packTree writes dir as a zstd-compressed tarball to dst.
func packTree(dir, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".part"
	outFile, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	zw, err := zstd.NewWriter(outFile)
	if err != nil {
		outFile.Close()
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			if linkTarget, err = os.Readlink(path); err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		}
		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err == nil {
		err = tw.Close()
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := outFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", dir, err)
	}
	return os.Rename(tmp, dst)
}

// unpackTree extracts a tarball written by packTree into dest.
func unpackTree(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open tarball: %w", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()
	return extractTar(tar.NewReader(zr), dest, false)
}
