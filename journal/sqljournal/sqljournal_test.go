package sqljournal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"xdao.co/agentpay/journal"
	"xdao.co/agentpay/journal/journaltest"
)

func TestConformance(t *testing.T) {
	journaltest.RunConformance(t, func(t *testing.T) journal.Journal {
		j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = j.Close() })
		return j
	})
}

func TestReopenKeepsHead(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		if err := j.Append(ctx, journaltest.Entry(seq)); err != nil {
			t.Fatalf("Append(%d): %v", seq, err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	head, err := j.Head(ctx)
	if err != nil || head != 3 {
		t.Fatalf("Head after reopen: %d %v", head, err)
	}
	if err := j.Append(ctx, journaltest.Entry(4)); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	got, err := j.Read(ctx, 3, 0)
	if err != nil || len(got) != 1 || got[0].Caller != journaltest.Entry(4).Caller {
		t.Fatalf("Read after reopen: %+v %v", got, err)
	}
}

func TestInMemoryDSN(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	j, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()
	if err := j.Append(context.Background(), journaltest.Entry(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestClosed(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = j.Close()
	if _, err := j.Read(context.Background(), 0, 0); err != journal.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
