package shardsbuffer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/etalazz/shuffleworker/internal/shuffle/limiter"
	"github.com/etalazz/shuffleworker/internal/shuffle/table"
)

func schema() table.Schema {
	return table.Schema{Columns: []table.Column{{Name: "k", Kind: table.KindInt64}}}
}

func tableWith(k int64) table.Table {
	return table.Table{Schema: schema(), Rows: []table.Row{{Values: []table.Value{{Kind: table.KindInt64, I64: k}}}}}
}

func TestDiskBuffer_WriteFlushRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shuffle-disk")
	db, err := NewDiskBuffer(dir, limiter.New(1<<20), 2)
	if err != nil {
		t.Fatalf("NewDiskBuffer: %v", err)
	}

	first, err := table.Serialize(tableWith(1))
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	second, err := table.Serialize(tableWith(2))
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	if err := db.Write(context.Background(), map[string][][]byte{"0": {first}}); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if err := db.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// a second flush call, same partition, simulates more rows landing
	// for the same output partition later in the run.
	if err := db.Write(context.Background(), map[string][][]byte{"0": {second}}); err != nil {
		t.Fatalf("Write 2: %v", err)
	}
	if err := db.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	b, err := db.Read("0")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	merged, err := table.Deserialize(b)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if merged.Len() != 2 {
		t.Errorf("merged.Len() = %d, want 2 (both flushes concatenated)", merged.Len())
	}

	if _, err := db.Read("missing"); err != ErrNoData {
		t.Errorf("Read(missing) error = %v, want ErrNoData", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := db.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("directory %s should have been removed on Close", dir)
	}
}
