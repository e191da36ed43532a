package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// pendingFile is a fully written temporary file waiting to replace its target.
type pendingFile struct {
	tmp    string
	target string
}

func prepare(target string, data []byte, perm os.FileMode) (*pendingFile, error) {
	f, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("chmod temp file: %w", err)
	}
	return &pendingFile{tmp: tmp, target: target}, nil
}

func prepareJSON(target string, v any, perm os.FileMode) (*pendingFile, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", filepath.Base(target), err)
	}
	return prepare(target, data, perm)
}

func (p *pendingFile) publish() error {
	if err := os.Rename(p.tmp, p.target); err != nil {
		os.Remove(p.tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(p.target), err)
	}
	return nil
}

func (p *pendingFile) abort() {
	os.Remove(p.tmp)
}

func writeJSON(target string, v any, perm os.FileMode) error {
	p, err := prepareJSON(target, v, perm)
	if err != nil {
		return err
	}
	return p.publish()
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
