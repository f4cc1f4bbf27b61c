// Package files serves session-scoped file reads and listings. Every
// operation resolves its path against the session's workspace root and
// refuses anything that escapes it.
package files

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kaihq/kai/internal/util/timefmt"
)

const defaultReadLimit = 64 * 1024 // 64KB

// ErrOutsideRoot rejects paths that resolve outside the workspace.
var ErrOutsideRoot = errors.New("path is outside the session workspace")

// Entry describes a file or directory.
type Entry struct {
	Name        string `json:"name"`
	IsDir       bool   `json:"isDir"`
	Size        int64  `json:"size"`
	ModTime     string `json:"modTime"`
	Permissions string `json:"permissions"`
}

// TreeNode is a directory subtree.
type TreeNode struct {
	Entry
	Children []TreeNode `json:"children,omitempty"`
}

// resolve joins rel to root and confines the result to root.
func resolve(root, rel string) (string, error) {
	if root == "" {
		return "", errors.New("workspace root is empty")
	}
	abs := filepath.Clean(filepath.Join(root, rel))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return abs, nil
}

func entryFor(name string, info os.FileInfo) Entry {
	return Entry{
		Name:        name,
		IsDir:       info.IsDir(),
		Size:        info.Size(),
		ModTime:     timefmt.Format(info.ModTime()),
		Permissions: info.Mode().String(),
	}
}

// Read returns at most limit bytes of a file starting at offset, plus
// the file's total size. limit <= 0 selects the 64KB default.
func Read(root, rel string, offset, limit int64) ([]byte, int64, error) {
	abs, err := resolve(root, rel)
	if err != nil {
		return nil, 0, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, 0, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, 0, errors.New("path is a directory")
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, 0, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, 0, fmt.Errorf("seek: %w", err)
		}
	}
	buf := make([]byte, limit)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, 0, fmt.Errorf("read: %w", err)
	}
	return buf[:n], info.Size(), nil
}

// List returns a directory's entries. Single-child directory chains are
// merged into one entry ("a/b/c") up to mergeDepth levels to save
// client round trips.
func List(root, rel string, mergeDepth int) ([]Entry, error) {
	abs, err := resolve(root, rel)
	if err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	result := make([]Entry, 0, len(dirents))
	for _, e := range dirents {
		info, err := e.Info()
		if err != nil {
			continue
		}
		entry := entryFor(e.Name(), info)
		if e.IsDir() && mergeDepth > 0 {
			entry = mergeEntry(filepath.Join(abs, e.Name()), entry, mergeDepth)
		}
		result = append(result, entry)
	}
	return result, nil
}

// mergeEntry collapses single-child directory chains into the entry
// name.
func mergeEntry(dirPath string, entry Entry, remaining int) Entry {
	if remaining <= 0 {
		return entry
	}
	children, err := os.ReadDir(dirPath)
	if err != nil || len(children) != 1 || !children[0].IsDir() {
		return entry
	}
	child := children[0]
	info, err := child.Info()
	if err != nil {
		return entry
	}
	merged := entryFor(entry.Name+"/"+child.Name(), info)
	merged.IsDir = true
	return mergeEntry(filepath.Join(dirPath, child.Name()), merged, remaining-1)
}

// Tree returns the subtree rooted at rel down to maxDepth levels.
func Tree(root, rel string, maxDepth int) (*TreeNode, error) {
	abs, err := resolve(root, rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	node := TreeNode{Entry: entryFor(info.Name(), info)}
	if info.IsDir() && maxDepth > 0 {
		node.Children = subtree(abs, maxDepth)
	}
	return &node, nil
}

func subtree(dir string, remaining int) []TreeNode {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	nodes := make([]TreeNode, 0, len(dirents))
	for _, e := range dirents {
		info, err := e.Info()
		if err != nil {
			continue
		}
		node := TreeNode{Entry: entryFor(e.Name(), info)}
		if e.IsDir() && remaining > 1 {
			node.Children = subtree(filepath.Join(dir, e.Name()), remaining-1)
		}
		nodes = append(nodes, node)
	}
	return nodes
}
