package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"clearpath.ai/internal/sim/engine"
)

const (
	DecisionsDir    = "decisions"
	DecisionsPrefix = "decisions"
	RunsDir         = "runs"
	RunsPrefix      = "runs"
)

// ListFiles returns the journal files in dir written with prefix, oldest
// first.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadLines decodes every line of a journal file into a fresh T and hands it
// to fn. A non-nil error from fn stops the read.
func ReadLines[T any](path string, fn func(T) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			return fmt.Errorf("%s:%d: unmarshal: %w", filepath.Base(path), line, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadDecisions walks every decision file under runDir in order.
func ReadDecisions(runDir string, fn func(engine.TickLogEntry) error) error {
	files, err := ListFiles(filepath.Join(runDir, DecisionsDir), DecisionsPrefix)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := ReadLines(path, fn); err != nil {
			return err
		}
	}
	return nil
}
