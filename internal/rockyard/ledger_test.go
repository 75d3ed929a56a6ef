package rockyard

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	bolt "go.etcd.io/bbolt"
)

func TestLedgerMissing(t *testing.T) {
	records, err := NewLedger().Read(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("records = %v", records)
	}
}

func TestLedgerWriteRead(t *testing.T) {
	target := t.TempDir()
	l := NewLedger()
	rec := InstalledRecord{
		Program:      "lua",
		Version:      "5.3.5",
		Source:       "release",
		MajorVersion: "5.3",
		Fingerprint:  "abc",
		Config:       DefaultBuildConfig(),
		Compat:       CompatDefault,
		Toolchain:    "gcc",
		InstalledAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := l.Write(target, rec); err != nil {
		t.Fatal(err)
	}
	rocks := InstalledRecord{Program: "luarocks", Version: "3.0.2", Source: "release", RuntimeFingerprint: "abc"}
	if err := l.Write(target, rocks); err != nil {
		t.Fatal(err)
	}

	records, err := l.Read(target)
	if err != nil {
		t.Fatal(err)
	}
	rec.Schema = ledgerSchema
	rocks.Schema = ledgerSchema
	want := map[string]InstalledRecord{"lua": rec, "luarocks": rocks}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}

	if err := l.Delete(target, "luarocks"); err != nil {
		t.Fatal(err)
	}
	if err := l.Delete(target, "LuaJIT"); err != nil {
		t.Errorf("deleting a missing record: %v", err)
	}
	records, _ = l.Read(target)
	if _, ok := records["luarocks"]; ok || len(records) != 1 {
		t.Errorf("after delete: %v", records)
	}
}

func TestLedgerCorrupt(t *testing.T) {
	target := t.TempDir()
	writeFile(t, ledgerPath(target), "this is not a database")

	l := NewLedger()
	records, err := l.Read(target)
	if !errors.Is(err, ErrLedger) {
		t.Fatalf("err = %v, want ErrLedger", err)
	}
	if records == nil || len(records) != 0 {
		t.Errorf("records = %v, want an empty map", records)
	}

	if err := l.Write(target, InstalledRecord{Program: "lua", Version: "5.4.0-work2"}); err != nil {
		t.Fatalf("Write over a corrupt ledger: %v", err)
	}
	records, err = l.Read(target)
	if err != nil {
		t.Fatal(err)
	}
	if records["lua"].Version != "5.4.0-work2" {
		t.Errorf("records = %v", records)
	}
}

func TestLedgerIgnoresOtherSchemas(t *testing.T) {
	target := t.TempDir()
	l := NewLedger()
	if err := l.Write(target, InstalledRecord{Program: "lua", Version: "5.1.5"}); err != nil {
		t.Fatal(err)
	}

	db, err := bolt.Open(filepath.Join(target, stateDirName, ledgerName), 0o644, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ledgerBucket)).Put([]byte("LuaJIT"), []byte("schema: 99\nprogram: LuaJIT\n"))
	})
	db.Close()
	if err != nil {
		t.Fatal(err)
	}

	records, err := l.Read(target)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := records["LuaJIT"]; ok {
		t.Error("record with an unknown schema was returned")
	}
	if _, ok := records["lua"]; !ok {
		t.Error("current record missing")
	}
}

func TestBuildLog(t *testing.T) {
	target := t.TempDir()
	log := []byte("$ gcc -c lapi.c\r\nok\n$ ar rcu liblua.a lapi.o\n")
	if err := saveBuildLog(target, Lua, log); err != nil {
		t.Fatal(err)
	}
	if fileExists(buildLogPath(target, Lua) + ".part") {
		t.Error("temporary log left behind")
	}

	lines, err := readBuildLog(target, Lua)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"$ gcc -c lapi.c", "ok", "$ ar rcu liblua.a lapi.o"}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}

	if _, err := readBuildLog(target, LuaJIT); err == nil {
		t.Error("expected an error for a missing log")
	}
}

func TestLogTail(t *testing.T) {
	if got := logTail(nil, 20); got != nil {
		t.Errorf("empty log: %v", got)
	}
	got := logTail([]byte("a\r\nb\nc\nd\n\n"), 2)
	if diff := cmp.Diff([]string{"c", "d"}, got); diff != "" {
		t.Errorf("tail mismatch (-want +got):\n%s", diff)
	}
}
