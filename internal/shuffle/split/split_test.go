package split

import (
	"testing"
	"testing/quick"

	"github.com/etalazz/shuffleworker/internal/shuffle/table"
)

func schema() table.Schema {
	return table.Schema{Columns: []table.Column{{Name: "k", Kind: table.KindInt64}, {Name: "v", Kind: table.KindString}}}
}

func row(k int64) table.Row {
	return table.Row{Values: []table.Value{{Kind: table.KindInt64, I64: k}, {Kind: table.KindString, Str: "x"}}}
}

func TestSplitByWorker(t *testing.T) {
	tbl := table.Table{Schema: schema(), Rows: []table.Row{row(0), row(1), row(0), row(2)}}
	workerFor := map[int64]string{0: "w0", 1: "w1"} // partition 2 has no owner: rows should be dropped

	groups, err := SplitByWorker(tbl, "k", workerFor)
	if err != nil {
		t.Fatalf("SplitByWorker: %v", err)
	}
	if groups["w0"].Len() != 2 {
		t.Errorf("w0 got %d rows, want 2", groups["w0"].Len())
	}
	if groups["w1"].Len() != 1 {
		t.Errorf("w1 got %d rows, want 1", groups["w1"].Len())
	}
	total := groups["w0"].Len() + groups["w1"].Len()
	if total != 3 {
		t.Errorf("total routed rows = %d, want 3 (one row for an unowned partition must be dropped)", total)
	}
}

func TestSplitByPartition(t *testing.T) {
	tbl := table.Table{Schema: schema(), Rows: []table.Row{row(2), row(0), row(0), row(1)}}
	groups, err := SplitByPartition(tbl, "k")
	if err != nil {
		t.Fatalf("SplitByPartition: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("len(groups) = %d, want 3", len(groups))
	}
	if groups[0].Len() != 2 || groups[1].Len() != 1 || groups[2].Len() != 1 {
		t.Errorf("unexpected group sizes: %d %d %d", groups[0].Len(), groups[1].Len(), groups[2].Len())
	}
}

// TestSplitByPartition_PreservesRowCount is a property test: splitting
// never drops or duplicates a row when every partition id is accounted
// for (the complement of the worker case, which may legitimately drop
// rows for unassigned partitions).
func TestSplitByPartition_PreservesRowCount(t *testing.T) {
	f := func(ks []uint8) bool {
		rows := make([]table.Row, len(ks))
		for i, k := range ks {
			rows[i] = row(int64(k % 8))
		}
		tbl := table.Table{Schema: schema(), Rows: rows}
		groups, err := SplitByPartition(tbl, "k")
		if err != nil {
			return false
		}
		total := 0
		for _, g := range groups {
			total += g.Len()
		}
		return total == len(rows)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}
