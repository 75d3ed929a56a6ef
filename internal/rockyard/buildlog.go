package rockyard

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

func buildLogPath(target string, kind ProgramKind) string {
	return filepath.Join(target, stateDirName, "logs", kind.Name()+".log.xz")
}

// saveBuildLog compresses the command log of the latest build of kind.
// Earlier logs of the same program are replaced.
func saveBuildLog(target string, kind ProgramKind, log []byte) error {
	path := buildLogPath(target, kind)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w, err := xz.NewWriter(f)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to create xz writer: %w", err)
	}
	if _, err := w.Write(log); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// readBuildLog returns the lines of the saved log of kind.
func readBuildLog(target string, kind ProgramKind) ([]string, error) {
	f, err := os.Open(buildLogPath(target, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no build log for %s in %s", kind.Title(), target)
		}
		return nil, err
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read build log: %w", err)
	}
	var lines []string
	sc := bufio.NewScanner(xr)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return lines, fmt.Errorf("failed to read build log: %w", err)
	}
	return lines, nil
}

// logTail returns at most n trailing lines of log.
func logTail(log []byte, n int) []string {
	text := strings.TrimRight(string(bytes.ReplaceAll(log, []byte("\r\n"), []byte("\n"))), "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func printLogTail(log []byte, n int) {
	lines := logTail(log, n)
	if len(lines) == 0 {
		return
	}
	colWarn.Printf("Last %d lines of the build log:\n", len(lines))
	for _, l := range lines {
		fmt.Fprintln(os.Stderr, "  "+l)
	}
}
