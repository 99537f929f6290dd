package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
	".webp": {},
	".qoi":  {},
	".ppm":  {},
	".pgm":  {},
	".pfm":  {},
}

// PathPair is one input image and the output path mirrored for it.
type PathPair struct {
	Input  string
	Output string
	// Rel is Input relative to the input root, used for reporting.
	Rel string
	// Err is set when Output cannot be used for Input.
	Err error
}

// CollisionError reports an input whose output path is already claimed by
// another input of the same batch, e.g. a.bmp and a.png both mapping to
// a.png.
type CollisionError struct {
	Input  string
	Output string
	Owner  string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("output %s is already produced from %s", e.Output, e.Owner)
}

// IsImageFile checks if a file has a supported image extension.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// ListImages returns image files directly inside root, or the whole tree
// when recursive is set. Directories listed in exclude are not entered.
// The result is sorted.
func ListImages(root string, recursive bool, exclude ...string) ([]string, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		if e == "" {
			continue
		}
		if abs, err := filepath.Abs(e); err == nil {
			skip[abs] = struct{}{}
		}
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if !recursive {
				return filepath.SkipDir
			}
			if abs, err := filepath.Abs(path); err == nil {
				if _, ok := skip[abs]; ok {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if IsImageFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// ImagePathPairs enumerates the images under inputDir and pairs each with
// its path under outputDir. The relative layout is mirrored and the
// extension replaced by ext. Pairs are ordered by input path. outputDir
// and the exclude directories are never read as input.
//
// Inputs that differ only by extension would share an output. The input
// whose name already ends in ext keeps it, otherwise the first one in
// order does; the others carry a *CollisionError.
func ImagePathPairs(inputDir, outputDir string, recursive bool, ext string, exclude ...string) ([]PathPair, error) {
	info, err := os.Stat(inputDir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", inputDir)
	}

	files, err := ListImages(inputDir, recursive, append([]string{outputDir}, exclude...)...)
	if err != nil {
		return nil, err
	}
	pairs := make([]PathPair, 0, len(files))
	owners := make(map[string]int, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(inputDir, f)
		if err != nil {
			return nil, err
		}
		out := ReplaceExt(rel, ext)
		pairs = append(pairs, PathPair{
			Input:  f,
			Output: filepath.Join(outputDir, out),
			Rel:    rel,
		})
		i := len(pairs) - 1
		if _, taken := owners[out]; !taken || rel == out {
			owners[out] = i
		}
	}
	for i := range pairs {
		out := ReplaceExt(pairs[i].Rel, ext)
		if owner := owners[out]; owner != i {
			pairs[i].Err = &CollisionError{Input: pairs[i].Rel, Output: out, Owner: pairs[owner].Rel}
		}
	}
	return pairs, nil
}

// ReplaceExt swaps the extension of path for ext (which includes the dot).
func ReplaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Owner is the uid/gid applied to created files when running as root.
// A nil Owner leaves ownership alone.
type Owner struct {
	UID int
	GID int
}

func (o *Owner) apply(path string) error {
	if o == nil || os.Geteuid() != 0 {
		return nil
	}
	return os.Chown(path, o.UID, o.GID)
}

// MkdirAll creates dir and its parents and hands every directory it
// created to owner.
func MkdirAll(dir string, owner *Owner) error {
	var created []string
	for d := filepath.Clean(dir); !Exists(d); d = filepath.Dir(d) {
		created = append(created, d)
		if d == filepath.Dir(d) {
			break
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, d := range created {
		if err := owner.apply(d); err != nil {
			return fmt.Errorf("chown %s: %w", d, err)
		}
	}
	return nil
}

// WriteAtomic writes the output of write to path through a temporary file in
// the same directory, so path either keeps its old content or holds the
// complete new one.
func WriteAtomic(path string, owner *Owner, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := MkdirAll(dir, owner); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err = owner.apply(tmp.Name()); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
