// Package journaltest is the conformance suite for journal.Journal
// implementations.
package journaltest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/journal"
)

// NewJournal returns a fresh, empty journal for one subtest.
type NewJournal func(t *testing.T) journal.Journal

// Entry builds a plausible entry with the given sequence number.
func Entry(seq uint64) journal.Entry {
	return journal.Entry{
		Seq:    seq,
		Caller: identity.FromPublicKey([]byte{byte(seq)}),
		Method: "request",
		Args:   json.RawMessage(`{"to":"0x0000000000000000000000000000000000000001","amount":5}`),
		Nonce:  seq,
		Time:   time.Unix(1700000000+int64(seq), 0).UTC(),
	}
}

func RunConformance(t *testing.T, newJournal NewJournal) {
	t.Helper()
	ctx := context.Background()

	t.Run("AppendReadRoundTrip", func(t *testing.T) {
		j := newJournal(t)
		for seq := uint64(1); seq <= 3; seq++ {
			if err := j.Append(ctx, Entry(seq)); err != nil {
				t.Fatalf("Append(%d): %v", seq, err)
			}
		}
		head, err := j.Head(ctx)
		if err != nil || head != 3 {
			t.Fatalf("Head: %d %v", head, err)
		}
		got, err := j.Read(ctx, 0, 0)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("Read: got %d entries", len(got))
		}
		want := Entry(2)
		e := got[1]
		if e.Seq != 2 || e.Caller != want.Caller || e.Method != want.Method || e.Nonce != want.Nonce || !e.Time.Equal(want.Time) {
			t.Fatalf("entry mismatch: %+v", e)
		}
		if !jsonEqual(e.Args, want.Args) {
			t.Fatalf("args mismatch: %s", e.Args)
		}
	})

	t.Run("ReadAfterAndLimit", func(t *testing.T) {
		j := newJournal(t)
		for seq := uint64(1); seq <= 5; seq++ {
			if err := j.Append(ctx, Entry(seq)); err != nil {
				t.Fatalf("Append(%d): %v", seq, err)
			}
		}
		got, err := j.Read(ctx, 2, 2)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
			t.Fatalf("Read(2, 2): %+v", got)
		}
		got, err = j.Read(ctx, 5, 0)
		if err != nil || len(got) != 0 {
			t.Fatalf("Read past head: %d %v", len(got), err)
		}
	})

	t.Run("RejectsGaps", func(t *testing.T) {
		j := newJournal(t)
		if err := j.Append(ctx, Entry(2)); !errors.Is(err, journal.ErrGap) {
			t.Fatalf("expected ErrGap for first entry 2, got %v", err)
		}
		if err := j.Append(ctx, Entry(1)); err != nil {
			t.Fatalf("Append(1): %v", err)
		}
		if err := j.Append(ctx, Entry(1)); !errors.Is(err, journal.ErrGap) {
			t.Fatalf("expected ErrGap for duplicate, got %v", err)
		}
		head, _ := j.Head(ctx)
		if head != 1 {
			t.Fatalf("rejected entries must not change head, got %d", head)
		}
	})

	t.Run("ForEach", func(t *testing.T) {
		j := newJournal(t)
		for seq := uint64(1); seq <= 4; seq++ {
			if err := j.Append(ctx, Entry(seq)); err != nil {
				t.Fatalf("Append(%d): %v", seq, err)
			}
		}
		var seen []uint64
		err := journal.ForEach(ctx, j, 1, func(e journal.Entry) error {
			seen = append(seen, e.Seq)
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach: %v", err)
		}
		if len(seen) != 3 || seen[0] != 2 || seen[2] != 4 {
			t.Fatalf("ForEach visited %v", seen)
		}
	})
}

func jsonEqual(a, b json.RawMessage) bool {
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	xb, _ := json.Marshal(x)
	yb, _ := json.Marshal(y)
	return string(xb) == string(yb)
}
