// =============================================================================
// OFFSET CHECKPOINT - PER-DATA-DIRECTORY HIGH WATERMARK FILE
// =============================================================================
//
// WHAT: A small text file recording the high watermark of every partition
// in a data directory, rewritten periodically and read back on startup.
//
// FORMAT (one file per data directory, "replication-offset-checkpoint"):
//
//   line 1: schema version (0)
//   line 2: entry count
//   then one line per entry: "<topic> <partition> <hw>"
//
// Writes go to a temp file which is fsynced and renamed over the old file,
// so a crash mid-write never leaves a torn checkpoint.
//
// =============================================================================

package cluster

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// CheckpointFileName is the per-data-directory HW checkpoint file name.
const CheckpointFileName = "replication-offset-checkpoint"

// checkpointVersion is the current schema version.
const checkpointVersion = 0

// OffsetCheckpoint reads and rewrites one checkpoint file.
type OffsetCheckpoint struct {
	// path is the checkpoint file location.
	path string

	// mu serialises writers.
	mu sync.Mutex
}

// NewOffsetCheckpoint creates a checkpoint handle for a data directory.
func NewOffsetCheckpoint(dataDir string) *OffsetCheckpoint {
	return &OffsetCheckpoint{path: filepath.Join(dataDir, CheckpointFileName)}
}

// Path returns the checkpoint file path.
func (c *OffsetCheckpoint) Path() string { return c.path }

// Write atomically replaces the checkpoint with the given offsets.
// Entries are sorted so identical inputs produce byte-identical files.
func (c *OffsetCheckpoint) Write(offsets map[TopicPartition]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}

	keys := make([]TopicPartition, 0, len(offsets))
	for tp := range offsets {
		keys = append(keys, tp)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Topic != keys[j].Topic {
			return keys[i].Topic < keys[j].Topic
		}
		return keys[i].Partition < keys[j].Partition
	})

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d\n%d\n", checkpointVersion, len(keys))
	for _, tp := range keys {
		fmt.Fprintf(w, "%s %d %d\n", tp.Topic, tp.Partition, offsets[tp])
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename checkpoint into place: %w", err)
	}
	return nil
}

// Read parses the checkpoint. A missing file yields an empty map.
func (c *OffsetCheckpoint) Read() (map[TopicPartition]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[TopicPartition]int64{}, nil
		}
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)

	readLine := func() (string, error) {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("checkpoint %s truncated", c.path)
		}
		return scanner.Text(), nil
	}

	versionLine, err := readLine()
	if err != nil {
		return nil, err
	}
	version, err := strconv.Atoi(versionLine)
	if err != nil || version != checkpointVersion {
		return nil, fmt.Errorf("checkpoint %s: unsupported version %q", c.path, versionLine)
	}

	countLine, err := readLine()
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(countLine)
	if err != nil || count < 0 {
		return nil, fmt.Errorf("checkpoint %s: bad entry count %q", c.path, countLine)
	}

	offsets := make(map[TopicPartition]int64, count)
	for i := 0; i < count; i++ {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("checkpoint %s: malformed entry %q", c.path, line)
		}
		partition, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: bad partition in %q", c.path, line)
		}
		hw, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: bad offset in %q", c.path, line)
		}
		offsets[TopicPartition{Topic: fields[0], Partition: partition}] = hw
	}
	return offsets, nil
}
