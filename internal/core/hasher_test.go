package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashBytes(t *testing.T) {
	hash := HashBytes([]byte("hello world"))
	expected := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if hash != expected {
		t.Errorf("HashBytes = %q, want %q", hash, expected)
	}
}

func TestHashBytesEmpty(t *testing.T) {
	hash := HashBytes(nil)
	expected := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if hash != expected {
		t.Errorf("HashBytes empty = %q, want %q", hash, expected)
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	fpath := filepath.Join(dir, "test.txt")
	os.WriteFile(fpath, []byte("hello world"), 0644)

	hash, err := HashFile(fpath)
	if err != nil {
		t.Fatalf("HashFile error: %v", err)
	}
	expected := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if hash != expected {
		t.Errorf("HashFile = %q, want %q", hash, expected)
	}
}

func TestNewPackageID(t *testing.T) {
	a := NewPackageID()
	b := NewPackageID()
	if a == b {
		t.Error("NewPackageID should not repeat")
	}
	if len(a) != len("pkg_")+24 {
		t.Errorf("NewPackageID length = %d", len(a))
	}
}
