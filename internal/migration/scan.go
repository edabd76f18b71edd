package migration

import (
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ScanOptions selects what part of the legacy corpus to examine. If Paths is
// set the scan checks exactly those files; otherwise Root is walked.
type ScanOptions struct {
	Root     string
	Paths    []string
	Exts     []string
	MaxBytes int64
}

// Problem is one corpus file that cannot be migrated, tagged with a reason.
type Problem struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ScanResult partitions the corpus into migratable and problem files.
type ScanResult struct {
	Ready    []string  `json:"ready"`
	Problems []Problem `json:"problems"`
}

var defaultExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff"}

// ScanLocalCorpus is a read-only, idempotent partition of the legacy corpus:
// re-running it over an unchanged filesystem yields an identical result.
func ScanLocalCorpus(opts ScanOptions) (*ScanResult, error) {
	const op = "migration.ScanLocalCorpus"

	exts := opts.Exts
	if len(exts) == 0 {
		exts = defaultExts
	}
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed[strings.ToLower(e)] = true
	}

	res := &ScanResult{}

	probe := func(path string) {
		ext := strings.ToLower(filepath.Ext(path))
		if !allowed[ext] {
			res.Problems = append(res.Problems, Problem{Path: path, Reason: "unsupported format"})
			return
		}

		fi, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				res.Problems = append(res.Problems, Problem{Path: path, Reason: "missing file"})
			} else {
				res.Problems = append(res.Problems, Problem{Path: path, Reason: "access denied"})
			}
			return
		}
		if opts.MaxBytes > 0 && fi.Size() > opts.MaxBytes {
			res.Problems = append(res.Problems, Problem{Path: path, Reason: "file too large"})
			return
		}

		f, err := os.Open(path)
		if err != nil {
			res.Problems = append(res.Problems, Problem{Path: path, Reason: "access denied"})
			return
		}
		_, _, err = image.DecodeConfig(f)
		f.Close()
		if err != nil {
			res.Problems = append(res.Problems, Problem{Path: path, Reason: "corrupt image"})
			return
		}

		res.Ready = append(res.Ready, path)
	}

	if len(opts.Paths) > 0 {
		for _, p := range opts.Paths {
			probe(p)
		}
		return res, nil
	}

	err := filepath.WalkDir(opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		probe(path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}
