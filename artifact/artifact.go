// Package artifact persists the result slots of every iteration, one file
// per iteration and one unsigned integer per line in slot order.
package artifact

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultWidth pads iteration numbers so batch files sort in order.
const DefaultWidth = 6

// Dir writes batch_<iteration>.csv files under Path. It implements
// runner.Sink.
type Dir struct {
	Path  string
	Width int
}

// NewDir creates path if needed.
func NewDir(path string) (*Dir, error) {
	if path == "" {
		path = "."
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Dir{Path: path, Width: DefaultWidth}, nil
}

// Name returns the file name for iteration.
func (d *Dir) Name(iteration uint64) string {
	return filepath.Join(d.Path, fmt.Sprintf("batch_%0*d.csv", d.Width, iteration))
}

// WriteBatch writes slots for iteration and closes the file before
// returning.
func (d *Dir) WriteBatch(iteration uint64, slots []uint32) (err error) {
	name := d.Name(iteration)
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", name, cerr)
		}
	}()

	w := bufio.NewWriterSize(f, 64*1024)
	buf := make([]byte, 0, 16)
	for _, v := range slots {
		buf = strconv.AppendUint(buf[:0], uint64(v), 10)
		buf = append(buf, '\n')
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", name, err)
	}
	return nil
}

// ReadBatch parses a file written by WriteBatch.
func ReadBatch(name string) ([]uint32, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []uint32
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		v, err := strconv.ParseUint(sc.Text(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, line, err)
		}
		out = append(out, uint32(v))
	}
	return out, sc.Err()
}
