package rundir

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// csvLog is an append-only CSV file that only ever contains whole rows:
// a failed append is truncated back to the last committed size.
type csvLog struct {
	path string
	f    *os.File
	buf  bytes.Buffer
	w    *csv.Writer
	size int64
	rows uint64
}

func createCSV(path string, header []string) (*csvLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	c := &csvLog{path: path, f: f}
	c.w = csv.NewWriter(&c.buf)
	if err := c.write([][]string{header}); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *csvLog) append(rows [][]string) error {
	if err := c.write(rows); err != nil {
		return err
	}
	c.rows += uint64(len(rows))
	return nil
}

func (c *csvLog) write(rows [][]string) error {
	c.buf.Reset()
	if err := c.w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to encode rows for %s: %w", filepath.Base(c.path), err)
	}

	n, err := c.f.Write(c.buf.Bytes())
	if err == nil {
		err = c.f.Sync()
	}
	if err != nil {
		c.rollback()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(c.path), err)
	}
	c.size += int64(n)
	return nil
}

func (c *csvLog) rollback() {
	if err := c.f.Truncate(c.size); err != nil {
		return
	}
	_, _ = c.f.Seek(c.size, io.SeekStart)
}

// snapshot copies the committed part of the log to dst through a temp file.
func (c *csvLog) snapshot(dst string) error {
	src, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(c.path), err)
	}
	defer src.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(tmp), err)
	}
	if _, err := io.Copy(out, io.LimitReader(src, c.size)); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy into %s: %w", filepath.Base(tmp), err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(tmp), err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (c *csvLog) close() error {
	return c.f.Close()
}
