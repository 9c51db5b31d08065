package store

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Backup writes a consistent copy of the store to path, zstd-compressed when
// compress is set. Pending lazy-commit work is committed first.
func (s *Store) Backup(path string, compress bool) (err error) {
	if err := s.finish(true); err != nil {
		return fmt.Errorf("failed to commit before backup: %w", err)
	}
	defer func() {
		if s.opts.LazyCommit && s.tx == nil {
			if berr := s.begin(); berr != nil && err == nil {
				err = berr
			}
		}
	}()

	target := path
	if compress {
		target = path + ".tmp"
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	if _, err := s.db.Exec(`VACUUM INTO ?`, target); err != nil {
		return fmt.Errorf("failed to back up to %s: %w", target, err)
	}
	if !compress {
		return nil
	}
	defer os.Remove(target)
	return compressFile(target, path)
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return fmt.Errorf("failed to compress backup: %w", err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Decompress expands a compressed backup at src into a database file at dst.
func Decompress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	dec, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer dec.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, dec); err != nil {
		out.Close()
		return fmt.Errorf("failed to decompress backup: %w", err)
	}
	return out.Close()
}
