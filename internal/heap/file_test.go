package heap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reldb/internal/buffer"
	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

func testFileSchema() *types.Schema {
	return &types.Schema{
		TableName: "items",
		Columns: []types.Column{
			{Name: "id", Type: types.DataTypeInt, Nullable: false},
			{Name: "name", Type: types.DataTypeText, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func newTestFile(t *testing.T) *File {
	t.Helper()
	dir := t.TempDir()
	f := NewFile(filepath.Join(dir, "items.dat"), testFileSchema(), buffer.NewPool(64))
	if err := f.Create(); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return f
}

func itemRow(id int32, name string) types.Row {
	return types.Row{types.NewInt(id), types.NewText(name)}
}

func TestFileInsertRead(t *testing.T) {
	f := newTestFile(t)

	tid, err := f.Insert(itemRow(1, "widget"))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if tid.PageNum != 0 {
		t.Errorf("first tuple on page %d, want 0", tid.PageNum)
	}

	row, err := f.Read(tid)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if row[0].Int != 1 || row[1].Text != "widget" {
		t.Errorf("Read() = %v", row)
	}
}

func TestFileDelete(t *testing.T) {
	f := newTestFile(t)
	tid, _ := f.Insert(itemRow(1, "gone"))

	if err := f.Delete(tid); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := f.Read(tid); !dberr.Is(err, dberr.KindNotFound) {
		t.Errorf("Read(deleted) error = %v, want NotFound", err)
	}
}

func TestFileScanAll(t *testing.T) {
	f := newTestFile(t)
	var deleted types.TupleID
	for i := int32(1); i <= 5; i++ {
		tid, err := f.Insert(itemRow(i, "row"))
		if err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
		if i == 3 {
			deleted = tid
		}
	}
	if err := f.Delete(deleted); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	rows, err := f.ScanAll()
	if err != nil {
		t.Fatalf("ScanAll() error = %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("ScanAll() returned %d rows, want 4", len(rows))
	}
	want := []int64{1, 2, 4, 5}
	for i, sr := range rows {
		if sr.Row[0].Int != want[i] {
			t.Errorf("row %d id = %d, want %d", i, sr.Row[0].Int, want[i])
		}
	}
}

func TestFileOpenRebuildsFSM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "items.dat")
	pool := buffer.NewPool(64)

	f := NewFile(path, testFileSchema(), pool)
	if err := f.Create(); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	tid, err := f.Insert(itemRow(1, "persisted"))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := pool.FlushAll(); err != nil {
		t.Fatalf("FlushAll() error = %v", err)
	}

	// Reopen with a cold cache.
	f2 := NewFile(path, testFileSchema(), buffer.NewPool(64))
	if err := f2.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if f2.PageCount() != 1 {
		t.Errorf("PageCount() = %d, want 1", f2.PageCount())
	}
	if f2.FreeSpace(0) != f.FreeSpace(0) {
		t.Errorf("rebuilt FSM free = %d, want %d", f2.FreeSpace(0), f.FreeSpace(0))
	}

	row, err := f2.Read(tid)
	if err != nil {
		t.Fatalf("Read() after reopen error = %v", err)
	}
	if row[1].Text != "persisted" {
		t.Errorf("Read() = %v", row)
	}
}

func TestFileOpenBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bogus.dat")
	if err := os.WriteFile(path, make([]byte, FileHeaderSize), 0o644); err != nil {
		t.Fatal(err)
	}
	f := NewFile(path, testFileSchema(), buffer.NewPool(4))
	if err := f.Open(); !dberr.Is(err, dberr.KindFormat) {
		t.Errorf("Open() error = %v, want FormatError", err)
	}
}

func TestFileExactFitAndOverflow(t *testing.T) {
	schema := &types.Schema{
		TableName:  "blobs",
		Columns:    []types.Column{{Name: "body", Type: types.DataTypeText, Nullable: false}},
		PrimaryKey: []string{"body"},
	}
	dir := t.TempDir()
	f := NewFile(filepath.Join(dir, "blobs.dat"), schema, buffer.NewPool(16))
	if err := f.Create(); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Serialized size is 2 (TEXT length) + body; an empty page offers
	// PageSize - PageHeaderSize - 2 usable bytes.
	exact := PageSize - PageHeaderSize - recordPrefixSize - 2

	tid, err := f.Insert(types.Row{types.NewText(strings.Repeat("a", exact))})
	if err != nil {
		t.Fatalf("exact-fit Insert() error = %v", err)
	}
	if tid.PageNum != 0 {
		t.Errorf("exact-fit tuple on page %d, want 0", tid.PageNum)
	}
	if f.FreeSpace(0) != 0 {
		t.Errorf("FreeSpace(0) = %d after exact fit, want 0", f.FreeSpace(0))
	}

	// The next tuple cannot fit on page 0 and routes to a fresh page.
	tid2, err := f.Insert(types.Row{types.NewText("b")})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if tid2.PageNum != 1 {
		t.Errorf("overflow tuple on page %d, want 1", tid2.PageNum)
	}
	if f.PageCount() != 2 {
		t.Errorf("PageCount() = %d, want 2", f.PageCount())
	}
}

func TestFileVacuum(t *testing.T) {
	f := newTestFile(t)

	tids := make([]types.TupleID, 0, 10)
	for i := int32(0); i < 10; i++ {
		tid, err := f.Insert(itemRow(i, "vac"))
		if err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
		tids = append(tids, tid)
	}
	// Delete every other tuple.
	for i := 0; i < 10; i += 2 {
		if err := f.Delete(tids[i]); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
	}

	moved, err := f.Vacuum()
	if err != nil {
		t.Fatalf("Vacuum() error = %v", err)
	}
	if len(moved) != 5 {
		t.Errorf("Vacuum() relocated %d tuples, want 5", len(moved))
	}

	rows, err := f.ScanAll()
	if err != nil {
		t.Fatalf("ScanAll() error = %v", err)
	}
	if len(rows) != 5 {
		t.Errorf("ScanAll() after vacuum = %d rows, want 5", len(rows))
	}
	dead, err := f.DeadCount()
	if err != nil {
		t.Fatalf("DeadCount() error = %v", err)
	}
	if dead != 0 {
		t.Errorf("DeadCount() = %d after vacuum, want 0", dead)
	}

	// Survivors keep their order; odd ids 1,3,5,7,9 remain.
	want := []int64{1, 3, 5, 7, 9}
	for i, sr := range rows {
		if sr.Row[0].Int != want[i] {
			t.Errorf("row %d id = %d, want %d", i, sr.Row[0].Int, want[i])
		}
	}

	// Moved entries point at readable tuples.
	for _, m := range moved {
		row, err := f.Read(m.New)
		if err != nil {
			t.Errorf("Read(moved.New) error = %v", err)
			continue
		}
		if types.Compare(row[0], m.Row[0]) != 0 {
			t.Errorf("moved row mismatch: %v vs %v", row[0], m.Row[0])
		}
	}
}

func TestFileVacuumKeepsFileSize(t *testing.T) {
	f := newTestFile(t)
	for i := int32(0); i < 100; i++ {
		if _, err := f.Insert(itemRow(i, strings.Repeat("x", 100))); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	rows, _ := f.ScanAll()
	for i, sr := range rows {
		if i%2 == 0 {
			if err := f.Delete(sr.TID); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
		}
	}

	before, err := os.Stat(f.Path())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Vacuum(); err != nil {
		t.Fatalf("Vacuum() error = %v", err)
	}
	after, err := os.Stat(f.Path())
	if err != nil {
		t.Fatal(err)
	}
	if before.Size() != after.Size() {
		t.Errorf("file size changed: %d -> %d (vacuum compacts in place)", before.Size(), after.Size())
	}
}
