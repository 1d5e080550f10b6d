// Package persist manages the supervisor's on-disk bookkeeping: the
// lock file recording pid and port, the options-record file capturing
// the exact invocation, an optional external pid file, and the
// per-spawn gob serialization file used to hand a ConnectionContext
// across the re-exec boundary (spec.md §9's "spawn-plus-serialize").
package persist

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/warden/pkg/types"
)

const (
	lockFileName = "warden.lock"
	optsFileName = "warden.opts"
)

// WriteLock writes the lock file: pid on the first line, port on the
// second, matching spec.md §6's "lock file: pid + port, first two
// lines".
func WriteLock(dataDir string, pid, port int) error {
	path := filepath.Join(dataDir, lockFileName)
	content := fmt.Sprintf("%d\n%d\n", pid, port)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("persist: write lock file: %w", err)
	}
	return nil
}

// ReadLock parses an existing lock file, returning (pid, port, error).
func ReadLock(dataDir string) (int, int, error) {
	path := filepath.Join(dataDir, lockFileName)
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("persist: open lock file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("persist: lock file truncated")
	}

	pid, err := strconv.Atoi(lines[0])
	if err != nil {
		return 0, 0, fmt.Errorf("persist: parse pid: %w", err)
	}
	port, err := strconv.Atoi(lines[1])
	if err != nil {
		return 0, 0, fmt.Errorf("persist: parse port: %w", err)
	}
	return pid, port, nil
}

// RemoveLock deletes the lock file; called on clean shutdown.
func RemoveLock(dataDir string) error {
	err := os.Remove(filepath.Join(dataDir, lockFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("persist: remove lock file: %w", err)
	}
	return nil
}

// WriteOptions records the exact argv the supervisor was started
// with, one line, whitespace-quoted, for operator diagnosis.
func WriteOptions(dataDir string, argv []string) error {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if strings.ContainsAny(a, " \t\"'") {
			quoted[i] = strconv.Quote(a)
		} else {
			quoted[i] = a
		}
	}
	line := strings.Join(quoted, " ") + "\n"
	path := filepath.Join(dataDir, optsFileName)
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		return fmt.Errorf("persist: write options file: %w", err)
	}
	return nil
}

// WriteExternalPID writes pid to an operator-configured external pid
// file path, outside the data directory.
func WriteExternalPID(path string, pid int) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("persist: write external pid file: %w", err)
	}
	return nil
}

// TouchLiveness updates the modification time of the lock file (and
// the unix-socket file, if present) so external tmp-cleaners do not
// reclaim them. Called every ten minutes per spec.md §4.1.
func TouchLiveness(dataDir string, extraPaths ...string) {
	now := time.Now()
	paths := append([]string{filepath.Join(dataDir, lockFileName)}, extraPaths...)
	for _, p := range paths {
		_ = os.Chtimes(p, now, now)
	}
}

// SpawnRecord is gob-encoded to the per-spawn serialization file and
// read back by the re-exec'd worker. It excludes the live net.Conn
// itself (not serializable); instead, the caller duplicates the
// connection's file descriptor into the child's ExtraFiles and records
// the resulting fd number here, so the worker can reconstruct the
// connection with os.NewFile/net.FileConn after reading this record.
type SpawnRecord struct {
	WorkerID     uint32
	CancelSecret uint32
	Database     string
	User         string
	Options      map[string]string
	ProtocolMaj  int
	ProtocolMin  int
	Salt         [8]byte
	ConnFD       int // index into the child's open fd table (3 + ExtraFiles index)
}

// RecordFromContext builds the serializable subset of a
// ConnectionContext for a given worker id.
func RecordFromContext(workerID uint32, cc *types.ConnectionContext) SpawnRecord {
	return SpawnRecord{
		WorkerID:     workerID,
		CancelSecret: cc.Secret,
		Database:     cc.Database,
		User:         cc.User,
		Options:      cc.Options,
		ProtocolMaj:  cc.ProtocolMaj,
		ProtocolMin:  cc.ProtocolMin,
		Salt:         cc.Salt,
	}
}

// WriteSpawnFile gob-encodes rec to a fresh file under dataDir named
// after its worker id, returning the path to pass as --spawn-file.
func WriteSpawnFile(dataDir string, rec SpawnRecord) (string, error) {
	path := filepath.Join(dataDir, fmt.Sprintf("spawn-%d.gob", rec.WorkerID))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("persist: create spawn file: %w", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(rec); err != nil {
		return "", fmt.Errorf("persist: encode spawn file: %w", err)
	}
	return path, nil
}

// ReadSpawnFile decodes and then deletes path, matching "the child
// deletes that file immediately after reading it" (spec.md §9).
func ReadSpawnFile(path string) (SpawnRecord, error) {
	var rec SpawnRecord

	f, err := os.Open(path)
	if err != nil {
		return rec, fmt.Errorf("persist: open spawn file: %w", err)
	}
	err = gob.NewDecoder(f).Decode(&rec)
	f.Close()
	if err != nil {
		return rec, fmt.Errorf("persist: decode spawn file: %w", err)
	}

	_ = os.Remove(path)
	return rec, nil
}
