package instance

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestNewInstance(t *testing.T) {
	workTree := t.TempDir()
	writeFile(t, filepath.Join(workTree, "main.go"), "package main\n")
	writeFile(t, filepath.Join(workTree, "web", "static", "index.html"), "<html></html>")
	writeFile(t, filepath.Join(workTree, ".git", "HEAD"), "ref: refs/heads/main")
	writeFile(t, filepath.Join(workTree, ".git", "objects", "ab", "cdef"), "blob")

	p := NewProvisioner(filepath.Join(t.TempDir(), "instances"))

	dir, copied, err := p.NewInstance(workTree)
	if err != nil {
		t.Fatalf("NewInstance failed: %s", err.Error())
	}

	t.Run("ContentsPreserved", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(dir, "main.go"))
		if err != nil {
			t.Fatalf("Copied file missing: %s", err.Error())
		}
		if string(data) != "package main\n" {
			t.Errorf("File contents were not preserved: %q", string(data))
		}
		nested, err := os.ReadFile(filepath.Join(dir, "web", "static", "index.html"))
		if err != nil {
			t.Fatalf("Nested file missing: %s", err.Error())
		}
		if string(nested) != "<html></html>" {
			t.Errorf("Nested file contents were not preserved: %q", string(nested))
		}
	})

	t.Run("GitMetadataExcluded", func(t *testing.T) {
		if _, err := os.Stat(filepath.Join(dir, ".git")); !os.IsNotExist(err) {
			t.Error(".git directory should not be copied")
		}
	})

	t.Run("BytesCopied", func(t *testing.T) {
		want := int64(len("package main\n") + len("<html></html>"))
		if copied != want {
			t.Errorf("Expected %d bytes copied, got %d", want, copied)
		}
	})

	t.Run("TimestampedName", func(t *testing.T) {
		if _, err := strconv.ParseInt(filepath.Base(dir), 10, 64); err != nil {
			t.Errorf("Instance directory should have a numeric timestamp name, got %s", filepath.Base(dir))
		}
	})

	t.Run("MonotonicNames", func(t *testing.T) {
		dir2, _, err := p.NewInstance(workTree)
		if err != nil {
			t.Fatalf("Second NewInstance failed: %s", err.Error())
		}
		first, _ := strconv.ParseInt(filepath.Base(dir), 10, 64)
		second, _ := strconv.ParseInt(filepath.Base(dir2), 10, 64)
		if second <= first {
			t.Errorf("Instance names should increase: %d then %d", first, second)
		}
	})
}

func TestSweep(t *testing.T) {
	workTree := t.TempDir()
	writeFile(t, filepath.Join(workTree, "app.txt"), "contents")

	p := NewProvisioner(filepath.Join(t.TempDir(), "instances"))

	dirs := []string{}
	for i := 0; i < 4; i++ {
		dir, _, err := p.NewInstance(workTree)
		if err != nil {
			t.Fatal(err)
		}
		dirs = append(dirs, dir)
	}

	t.Run("KeepsNewest", func(t *testing.T) {
		freed, err := p.Sweep(2, dirs[3])
		if err != nil {
			t.Fatalf("Sweep failed: %s", err.Error())
		}
		if freed != int64(2*len("contents")) {
			t.Errorf("Expected %d bytes freed, got %d", 2*len("contents"), freed)
		}
		for _, dir := range dirs[:2] {
			if _, err := os.Stat(dir); !os.IsNotExist(err) {
				t.Errorf("Old instance %s should have been deleted", dir)
			}
		}
		for _, dir := range dirs[2:] {
			if _, err := os.Stat(dir); err != nil {
				t.Errorf("Instance %s should have been kept", dir)
			}
		}
	})

	t.Run("NeverDeletesInUse", func(t *testing.T) {
		freed, err := p.Sweep(1, dirs[2])
		if err != nil {
			t.Fatal(err)
		}
		if freed != 0 {
			t.Errorf("In-use instance should not be deleted, freed %d bytes", freed)
		}
		if _, err := os.Stat(dirs[2]); err != nil {
			t.Error("In-use instance should still exist")
		}
	})

	t.Run("DisabledWhenKeepIsZero", func(t *testing.T) {
		freed, err := p.Sweep(0, "")
		if err != nil || freed != 0 {
			t.Errorf("Sweep with keep=0 should be a no-op, freed %d, err %v", freed, err)
		}
	})
}
