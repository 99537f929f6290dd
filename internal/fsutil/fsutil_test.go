package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestImagePathPairsMirrorsAndSorts(t *testing.T) {
	in := t.TempDir()
	touch(t, filepath.Join(in, "b.jpg"))
	touch(t, filepath.Join(in, "a.PNG"))
	touch(t, filepath.Join(in, "notes.txt"))
	touch(t, filepath.Join(in, "sub", "c.tiff"))

	pairs, err := ImagePathPairs(in, "/out", true, ".png")
	if err != nil {
		t.Fatalf("pairs: %v", err)
	}
	var got []string
	for _, p := range pairs {
		got = append(got, p.Rel+" -> "+p.Output)
	}
	want := []string{
		"a.PNG -> /out/a.png",
		"b.jpg -> /out/b.png",
		filepath.Join("sub", "c.tiff") + " -> /out/sub/c.png",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected pairs (-want +got):\n%s", diff)
	}

	flat, err := ImagePathPairs(in, "/out", false, ".pfm")
	if err != nil {
		t.Fatal(err)
	}
	if len(flat) != 2 || flat[0].Output != "/out/a.pfm" {
		t.Fatalf("non-recursive listing must stay at top level: %+v", flat)
	}
}

func TestImagePathPairsFlagsSharedOutputs(t *testing.T) {
	in := t.TempDir()
	touch(t, filepath.Join(in, "a.bmp"))
	touch(t, filepath.Join(in, "a.png"))
	touch(t, filepath.Join(in, "b.jpg"))
	touch(t, filepath.Join(in, "b.tiff"))

	pairs, err := ImagePathPairs(in, "/out", false, ".png")
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, p := range pairs {
		var c *CollisionError
		if errors.As(p.Err, &c) {
			got[p.Rel] = c.Owner
		} else {
			got[p.Rel] = ""
		}
	}
	want := map[string]string{"a.bmp": "a.png", "a.png": "", "b.jpg": "", "b.tiff": "b.jpg"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected collisions (-want +got):\n%s", diff)
	}
}

func TestImagePathPairsSkipsOutputDirs(t *testing.T) {
	in := t.TempDir()
	touch(t, filepath.Join(in, "a.png"))
	touch(t, filepath.Join(in, "out", "a.png"))
	touch(t, filepath.Join(in, "maps", "b.png"))
	touch(t, filepath.Join(in, "sub", "c.png"))

	pairs, err := ImagePathPairs(in, filepath.Join(in, "out"), true, ".png", filepath.Join(in, "maps"), "")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, p := range pairs {
		got = append(got, p.Rel)
	}
	if diff := cmp.Diff([]string{"a.png", filepath.Join("sub", "c.png")}, got); diff != "" {
		t.Fatalf("output trees listed as input (-want +got):\n%s", diff)
	}
}

func TestImagePathPairsRejectsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "x.png")
	touch(t, f)
	if _, err := ImagePathPairs(f, "/out", false, ".png"); err == nil {
		t.Fatalf("expected error for non-directory input")
	}
}

func TestWriteAtomicLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.png")

	if err := WriteAtomic(path, nil, func(w io.Writer) error {
		_, err := w.Write([]byte("first"))
		return err
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	boom := errors.New("encoder failed")
	err := WriteAtomic(path, nil, func(w io.Writer) error {
		w.Write([]byte("partial"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected encoder error, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "first" {
		t.Fatalf("previous content must survive a failed write: %q %v", data, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestReplaceExt(t *testing.T) {
	if got := ReplaceExt("a/b.c/img.jpeg", ".pfm"); got != "a/b.c/img.pfm" {
		t.Fatalf("got %s", got)
	}
}
