package rockyard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"
)

const (
	stateDirName  = ".rockyard"
	ledgerName    = "ledger.db"
	ledgerBucket  = "installed"
	ledgerSchema  = 1
	ledgerTimeout = 5 * time.Second
)

// InstalledRecord is what the ledger knows about one installed program.
type InstalledRecord struct {
	Schema       int         `yaml:"schema"`
	Program      string      `yaml:"program"`
	Version      string      `yaml:"version"`
	Source       string      `yaml:"source"` // release, git or local
	Repo         string      `yaml:"repo,omitempty"`
	Commit       string      `yaml:"commit,omitempty"`
	MajorVersion string      `yaml:"major_version"`
	Fingerprint  string      `yaml:"fingerprint"`
	Config       BuildConfig `yaml:"config"`
	// Compat is the mode actually compiled in, after normalisation.
	Compat    CompatMode `yaml:"compat,omitempty"`
	Toolchain string     `yaml:"toolchain,omitempty"`
	// RuntimeFingerprint is set for LuaRocks: the runtime it was configured for.
	RuntimeFingerprint string    `yaml:"runtime_fingerprint,omitempty"`
	InstalledAt        time.Time `yaml:"installed_at"`
}

// Ledger persists InstalledRecords in each target directory.
type Ledger struct {
	Timeout time.Duration
}

func NewLedger() *Ledger {
	return &Ledger{Timeout: ledgerTimeout}
}

func ledgerPath(target string) string {
	return filepath.Join(target, stateDirName, ledgerName)
}

// Read returns the records of target keyed by program name. A missing ledger
// is empty. A broken one is reported as ErrLedger together with an empty,
// usable map.
func (l *Ledger) Read(target string) (map[string]InstalledRecord, error) {
	records := map[string]InstalledRecord{}
	path := ledgerPath(target)
	if !fileExists(path) {
		return records, nil
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{ReadOnly: true, Timeout: l.Timeout})
	if err != nil {
		return records, newError(ErrLedger, "", "", "read", fmt.Errorf("failed to open %s: %w", path, err))
	}
	defer db.Close()

	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ledgerBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec InstalledRecord
			if err := yaml.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("record %q: %w", k, err)
			}
			if rec.Schema != ledgerSchema {
				debugf("Ignoring ledger record %q with schema %d\n", k, rec.Schema)
				return nil
			}
			records[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return map[string]InstalledRecord{}, newError(ErrLedger, "", "", "read", fmt.Errorf("failed to read %s: %w", path, err))
	}
	return records, nil
}

// open opens the ledger for writing. A file that is not a valid database is
// replaced, since Read already treats it as empty.
func (l *Ledger) open(target string) (*bolt.DB, error) {
	path := ledgerPath(target)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: l.Timeout})
	if err == nil {
		return db, nil
	}
	if errors.Is(err, bolt.ErrTimeout) || !fileExists(path) {
		return nil, err
	}
	colArrow.Print("-> ")
	colWarn.Printf("Replacing unreadable ledger %s: %v\n", path, err)
	if rmErr := os.Remove(path); rmErr != nil {
		return nil, err
	}
	return bolt.Open(path, 0o644, &bolt.Options{Timeout: l.Timeout})
}

// Write stores rec under its program name, replacing any previous record.
func (l *Ledger) Write(target string, rec InstalledRecord) error {
	rec.Schema = ledgerSchema
	data, err := yaml.Marshal(&rec)
	if err != nil {
		return newError(ErrLedger, "", "", "write", err)
	}
	db, err := l.open(target)
	if err != nil {
		return newError(ErrLedger, "", "", "write", fmt.Errorf("failed to open ledger: %w", err))
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(ledgerBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Program), data)
	})
	if err != nil {
		return newError(ErrLedger, "", "", "write", err)
	}
	return nil
}

// Delete removes the record for program. Deleting a missing record is not
// an error.
func (l *Ledger) Delete(target, program string) error {
	if !fileExists(ledgerPath(target)) {
		return nil
	}
	db, err := l.open(target)
	if err != nil {
		return newError(ErrLedger, "", "", "write", fmt.Errorf("failed to open ledger: %w", err))
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ledgerBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(program))
	})
	if err != nil {
		return newError(ErrLedger, "", "", "write", err)
	}
	return nil
}
