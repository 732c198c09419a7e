package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/log"
	"github.com/maestrod/maestro/pkg/types"
)

// SchemaVersion is the current state file schema; it names the
// versioned subdirectory (v1/) and is embedded in every envelope.
const SchemaVersion = 1

// Well-known state file names under the versioned subdirectory
const (
	LocksFile     = "locks.json"
	SessionsFile  = "sessions.json"
	ScheduleFile  = "schedule.json"
	WorkflowFile  = "workflow.json"
	ResourcesFile = "resources.json"
	TasksFile     = "tasks.json"
)

const (
	writeRetries = 3
	retryBackoff = 50 * time.Millisecond
)

// Dir manages the persisted state layout:
//
//	<root>/v1/        versioned state files (envelope-wrapped JSON)
//	<root>/control/   control-channel files (bare JSON, external writers)
//	<root>/sentinel/  workflow sentinel files
//
// All writes are atomic (temp file + rename in the same directory).
type Dir struct {
	root string
	clk  clock.Clock
	log  zerolog.Logger
}

// New creates the layout under root, making directories as needed
func New(root string, clk clock.Clock) (*Dir, error) {
	d := &Dir{
		root: root,
		clk:  clk,
		log:  log.WithComponent("state"),
	}
	for _, dir := range []string{d.VersionDir(), d.ControlDir(), d.SentinelDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.WrapError(types.ErrKindPersistence, err, "creating state directory %s", dir)
		}
	}
	return d, nil
}

func (d *Dir) Root() string        { return d.root }
func (d *Dir) VersionDir() string  { return filepath.Join(d.root, fmt.Sprintf("v%d", SchemaVersion)) }
func (d *Dir) ControlDir() string  { return filepath.Join(d.root, "control") }
func (d *Dir) SentinelDir() string { return filepath.Join(d.root, "sentinel") }

// StatePath returns the absolute path of a versioned state file
func (d *Dir) StatePath(name string) string { return filepath.Join(d.VersionDir(), name) }

// ControlPath returns the absolute path of a control-channel file
func (d *Dir) ControlPath(name string) string { return filepath.Join(d.ControlDir(), name) }

// SentinelPath returns the absolute path of a workflow sentinel file
func (d *Dir) SentinelPath(name string) string { return filepath.Join(d.SentinelDir(), name) }

// envelope wraps every versioned state file so recovery can validate it
type envelope struct {
	Version  int             `json:"version"`
	Checksum uint32          `json:"checksum"`
	SavedAt  time.Time       `json:"saved_at"`
	Data     json.RawMessage `json:"data"`
}

// Save marshals data into a checksummed envelope and writes it
// atomically to the named state file. Transient write failures are
// retried with backoff before the error escapes.
func (d *Dir) Save(name string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return types.WrapError(types.ErrKindPersistence, err, "encoding %s", name)
	}

	env := envelope{
		Version:  SchemaVersion,
		Checksum: crc32.ChecksumIEEE(payload),
		SavedAt:  d.clk.Now(),
		Data:     payload,
	}
	raw, err := json.MarshalIndent(&env, "", "  ")
	if err != nil {
		return types.WrapError(types.ErrKindPersistence, err, "encoding envelope for %s", name)
	}

	path := d.StatePath(name)
	for attempt := 0; ; attempt++ {
		err = WriteAtomic(path, raw)
		if err == nil {
			return nil
		}
		if attempt+1 >= writeRetries {
			break
		}
		time.Sleep(retryBackoff << attempt)
	}
	return types.WrapError(types.ErrKindPersistence, err, "writing %s", name)
}

// Load reads and validates the named state file into out. It returns
// restored=false when the file is absent (a fresh install) or when it
// failed validation — in that case the broken file has been archived,
// the returned error carries kind persistence, and the caller is
// expected to continue with empty state.
func (d *Dir) Load(name string, out interface{}) (restored bool, err error) {
	path := d.StatePath(name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, types.WrapError(types.ErrKindPersistence, err, "reading %s", name)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, d.archiveCorrupt(name, fmt.Sprintf("not a valid envelope: %v", err))
	}
	if env.Version != SchemaVersion {
		return false, d.archiveCorrupt(name, fmt.Sprintf("schema version %d, want %d", env.Version, SchemaVersion))
	}
	// MarshalIndent re-indents the embedded raw payload on Save, so
	// compact it back before comparing against the checksum, which is
	// always computed over the compact encoding.
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Data); err != nil {
		return false, d.archiveCorrupt(name, fmt.Sprintf("payload is not valid JSON: %v", err))
	}
	if crc32.ChecksumIEEE(compact.Bytes()) != env.Checksum {
		return false, d.archiveCorrupt(name, "checksum mismatch")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return false, d.archiveCorrupt(name, fmt.Sprintf("payload does not decode: %v", err))
	}
	return true, nil
}

// archiveCorrupt renames a failed state file to <name>.corrupt.<unix-ts>
// so the next Save starts from an empty-but-valid structure.
func (d *Dir) archiveCorrupt(name, reason string) error {
	src := d.StatePath(name)
	dst := fmt.Sprintf("%s.corrupt.%d", src, d.clk.Now().Unix())

	d.log.Warn().
		Str("file", name).
		Str("archived_to", filepath.Base(dst)).
		Str("reason", reason).
		Msg("corrupt state file archived and reset")

	if err := os.Rename(src, dst); err != nil {
		return types.WrapError(types.ErrKindPersistence, err, "archiving corrupt %s", name)
	}
	return types.NewError(types.ErrKindPersistence, "%s was corrupt (%s); archived to %s", name, reason, filepath.Base(dst))
}

// WriteAtomic writes data to path via a temp file and rename, so
// readers polling the path never observe a partial write.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// WriteJSONAtomic marshals v with indentation and writes it atomically
func WriteJSONAtomic(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteAtomic(path, raw)
}
