// Package sdkfiles maintains the transcript files the agent transport
// writes on disk. Each running query appends to
// <dir>/<project>/<sdkSessionId>.jsonl; transcripts whose session id no
// longer matches any session record are orphans.
package sdkfiles

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kaihq/kai/internal/util/timefmt"
)

// File is one transcript found on disk.
type File struct {
	Path      string `json:"path"`
	SessionID string `json:"sessionId"`
	Size      int64  `json:"size"`
	ModTime   string `json:"modTime"`
}

// Scan walks dir for transcript files. A missing dir is an empty scan,
// not an error.
func Scan(dir string) ([]File, error) {
	var found []File
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		found = append(found, File{
			Path:      path,
			SessionID: strings.TrimSuffix(d.Name(), ".jsonl"),
			Size:      info.Size(),
			ModTime:   timefmt.Format(info.ModTime()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Cleanup deletes transcripts whose session id is not in known and
// returns the removed paths. Empty project directories left behind are
// pruned.
func Cleanup(dir string, known map[string]bool) ([]string, error) {
	files, err := Scan(dir)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, f := range files {
		if known[f.SessionID] {
			continue
		}
		if err := os.Remove(f.Path); err != nil {
			continue
		}
		removed = append(removed, f.Path)
		// Best effort: drops the project dir once its last transcript
		// is gone.
		_ = os.Remove(filepath.Dir(f.Path))
	}
	return removed, nil
}
