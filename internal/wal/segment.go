package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"
)

func segmentName(index uint64) string {
	return fmt.Sprintf("%s%08d%s", segmentPrefix, index, segmentSuffix)
}

// segmentIndex parses the numeric index out of a segment file name.
func segmentIndex(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	n, err := strconv.ParseUint(mid, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// listSegments returns segment file names in total order (ascending index).
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := segmentIndex(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := segmentIndex(names[i])
		b, _ := segmentIndex(names[j])
		return a < b
	})
	return names, nil
}

// truncateTornTail scans a segment for a trailing partial line (a crash
// mid-write) and truncates it off. Returns the byte offset the file was
// truncated to, which equals the file size when the tail was intact.
func truncateTornTail(path string) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}
	end := len(raw)
	if raw[end-1] != '\n' {
		// Drop everything after the last complete line.
		cut := strings.LastIndexByte(string(raw), '\n')
		end = cut + 1 // 0 when no newline at all
		if err := os.Truncate(path, int64(end)); err != nil {
			return 0, fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	return int64(end), nil
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func segmentPath(dir, name string) string { return filepath.Join(dir, name) }
