package schema

import (
	"errors"
	"path/filepath"
	"testing"
)

func testTable() *Table {
	return &Table{
		Name:        "accounts",
		KeyFormat:   "S",
		ValueFormat: "qS",
		Columns:     []string{"id", "balance", "owner"},
	}
}

func TestCreateGet(t *testing.T) {
	r, _ := Open("")
	if err := r.Create(testTable(), false); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got, err := r.Get("accounts")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.KeyFormat != "S" || got.ValueFormat != "qS" {
		t.Errorf("Get = %+v", got)
	}
}

func TestCreateExclusive(t *testing.T) {
	r, _ := Open("")
	r.Create(testTable(), false)
	if err := r.Create(testTable(), true); !errors.Is(err, ErrExists) {
		t.Errorf("exclusive create on existing table: err = %v, want ErrExists", err)
	}
	// Non-exclusive create on a matching schema is a verification, not an error.
	if err := r.Create(testTable(), false); err != nil {
		t.Errorf("matching create failed: %v", err)
	}
}

func TestCreateMismatch(t *testing.T) {
	r, _ := Open("")
	r.Create(testTable(), false)
	changed := testTable()
	changed.ValueFormat = "q"
	changed.Columns = []string{"id", "balance"}
	if err := r.Create(changed, false); !errors.Is(err, ErrMismatch) {
		t.Errorf("mismatched create: err = %v, want ErrMismatch", err)
	}
}

func TestColumnCountChecked(t *testing.T) {
	r, _ := Open("")
	bad := testTable()
	bad.Columns = []string{"id", "balance"} // formats have 3 fields
	if err := r.Create(bad, false); err == nil {
		t.Error("column count violation should fail at create")
	}
}

func TestRenameDrop(t *testing.T) {
	r, _ := Open("")
	r.Create(testTable(), false)

	if err := r.Rename("accounts", "ledgers"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if _, err := r.Get("accounts"); !errors.Is(err, ErrNotFound) {
		t.Error("old name should be gone")
	}
	if _, err := r.Get("ledgers"); err != nil {
		t.Errorf("new name missing: %v", err)
	}

	if err := r.Rename("nosuch", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rename of missing table: err = %v", err)
	}

	if err := r.Drop("ledgers"); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if err := r.Drop("ledgers"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double drop: err = %v, want ErrNotFound", err)
	}
}

func TestVerify(t *testing.T) {
	r, _ := Open("")
	r.Create(testTable(), false)
	if err := r.Verify("accounts"); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
	if err := r.Verify("nosuch"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Verify of missing table: err = %v", err)
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := r.Create(testTable(), false); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Reopen and expect the table back.
	r2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := r2.Get("accounts")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.ValueFormat != "qS" || len(got.Columns) != 3 {
		t.Errorf("reloaded schema = %+v", got)
	}
}

func TestNamesSorted(t *testing.T) {
	r, _ := Open("")
	for _, n := range []string{"zebra", "apple", "mango"} {
		tb := testTable()
		tb.Name = n
		r.Create(tb, false)
	}
	names := r.Names()
	want := []string{"apple", "mango", "zebra"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names = %v, want %v", names, want)
		}
	}
}
