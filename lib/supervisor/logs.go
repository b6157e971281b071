// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// workerLogPath names the output file of one worker launch. The
// gateway pid keeps replicas sharing a log directory apart.
func (s *Supervisor) workerLogPath(w *Worker) string {
	return filepath.Join(s.config.LogDirectory, fmt.Sprintf("%s.%d.log", w.id, os.Getpid()))
}

// archiveLog compresses the log of an exited worker and prunes the
// module's oldest archives beyond LogRetain. Empty logs are removed.
func (s *Supervisor) archiveLog(module, path string) {
	if s.config.LogRetain < 0 {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Size() == 0 {
		_ = os.Remove(path)
		return
	}

	archive := strings.TrimSuffix(path, ".log") + "." + s.clock.Now().UTC().Format("20060102T150405Z") + ".log.lz4"
	if err := compressFile(path, archive); err != nil {
		s.logger.Warn("archiving worker log failed", "module", module, "path", path, "error", err)
		return
	}
	_ = os.Remove(path)
	s.logger.Debug("worker log archived", "module", module, "archive", archive, "bytes", info.Size())
	s.pruneArchives(module)
}

func compressFile(source, target string) (err error) {
	input, err := os.Open(source)
	if err != nil {
		return err
	}
	defer input.Close()

	temporary := target + ".tmp"
	output, err := os.OpenFile(temporary, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			output.Close()
			_ = os.Remove(temporary)
		}
	}()

	writer := lz4.NewWriter(output)
	if _, err = io.Copy(writer, input); err != nil {
		return fmt.Errorf("compressing: %w", err)
	}
	if err = writer.Close(); err != nil {
		return fmt.Errorf("compressing: %w", err)
	}
	if err = output.Close(); err != nil {
		return err
	}
	return os.Rename(temporary, target)
}

// pruneArchives removes the oldest archives of module beyond
// LogRetain. Archive names start with the worker id, "<module>-<n>".
func (s *Supervisor) pruneArchives(module string) {
	matches, err := filepath.Glob(filepath.Join(s.config.LogDirectory, module+"-[0-9]*.log.lz4"))
	if err != nil {
		return
	}
	var archives []string
	for _, match := range matches {
		if archiveModule(filepath.Base(match)) == module {
			archives = append(archives, match)
		}
	}
	if len(archives) <= s.config.LogRetain {
		return
	}
	modified := make(map[string]int64, len(archives))
	for _, archive := range archives {
		if info, err := os.Stat(archive); err == nil {
			modified[archive] = info.ModTime().UnixNano()
		}
	}
	sort.Slice(archives, func(i, j int) bool {
		if modified[archives[i]] != modified[archives[j]] {
			return modified[archives[i]] < modified[archives[j]]
		}
		return archives[i] < archives[j]
	})
	for _, archive := range archives[:len(archives)-s.config.LogRetain] {
		if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("pruning worker log archive failed", "archive", archive, "error", err)
		}
	}
}

// archiveModule extracts the module id from an archive name of the
// form "<module>-<n>.<pid>.<time>.log.lz4".
func archiveModule(name string) string {
	workerID, _, _ := strings.Cut(name, ".")
	// Module ids may contain dots; the worker sequence never does.
	if index := strings.Index(name, ".log.lz4"); index > 0 {
		parts := strings.Split(name[:index], ".")
		if len(parts) >= 3 {
			workerID = strings.Join(parts[:len(parts)-2], ".")
		}
	}
	dash := strings.LastIndexByte(workerID, '-')
	if dash <= 0 {
		return ""
	}
	for _, r := range workerID[dash+1:] {
		if r < '0' || r > '9' {
			return ""
		}
	}
	if dash+1 == len(workerID) {
		return ""
	}
	return workerID[:dash]
}

// ReadArchive returns the decompressed content of a worker log
// archive.
func ReadArchive(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	data, err := io.ReadAll(lz4.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", path, err)
	}
	return data, nil
}
