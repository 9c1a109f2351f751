package lift

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// TraceListHeader opens every trace list written by WriteTraceList.
const TraceListHeader = "======TRACE=ADDRESSES======"

const (
	traceListFile = "trace_list"
	cacheDir      = "prelift_traces"
)

// Workspace is the on-disk layout shared by the locate and prelift steps:
//
//	<Dir>/trace_list
//	<Dir>/prelift_traces/0x<start>-0x<end>
type Workspace struct {
	Dir string
}

func (w Workspace) TraceListPath() string { return filepath.Join(w.Dir, traceListFile) }
func (w Workspace) CacheDir() string      { return filepath.Join(w.Dir, cacheDir) }

// ArtifactPath is the cache path of the artifact spanning [start, end].
func (w Workspace) ArtifactPath(start, end uint64) string {
	return filepath.Join(w.CacheDir(), ArtifactName(start, end))
}

// Prepare creates the cache directory.
func (w Workspace) Prepare() error {
	if err := os.MkdirAll(w.CacheDir(), 0o755); err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}
	return nil
}

// Clean removes every cached artifact.
func (w Workspace) Clean() error {
	if err := os.RemoveAll(w.CacheDir()); err != nil {
		return fmt.Errorf("clean workspace: %w", err)
	}
	return w.Prepare()
}

// LoadTraceList reads the workspace trace list.
func (w Workspace) LoadTraceList() ([]uint64, error) {
	f, err := os.Open(w.TraceListPath())
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTraceList(f)
}

// SaveTraceList replaces the workspace trace list.
func (w Workspace) SaveTraceList(addrs []uint64) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(w.TraceListPath())
	if err != nil {
		return err
	}
	if err := WriteTraceList(f, addrs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadTraceList parses whitespace-separated hex addresses. Tokens that are
// not hex numbers, the header included, are skipped.
func ReadTraceList(r io.Reader) ([]uint64, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	var addrs []uint64
	for sc.Scan() {
		tok := sc.Text()
		tok = strings.TrimPrefix(strings.TrimPrefix(tok, "0x"), "0X")
		tok = strings.TrimSuffix(tok, "L")
		v, err := strconv.ParseUint(tok, 16, 64)
		if err != nil {
			continue
		}
		addrs = append(addrs, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read trace list: %w", err)
	}
	return addrs, nil
}

// WriteTraceList writes the header followed by one address per line.
func WriteTraceList(w io.Writer, addrs []uint64) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, TraceListHeader)
	for _, a := range addrs {
		fmt.Fprintf(bw, "0x%x\n", a)
	}
	return bw.Flush()
}
