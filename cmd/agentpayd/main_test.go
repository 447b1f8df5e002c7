package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog"

	"xdao.co/agentpay/config"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/journal"
	"xdao.co/agentpay/storage/memstore"
)

func TestListBackends(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"-list-backends"}, &out, &errOut); code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	for _, want := range []string{"localfs", "memory", "grpc"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("backend %q not listed:\n%s", want, out.String())
		}
	}
}

func TestPrintConfigAppliesFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	args := []string{"-env", filepath.Join(t.TempDir(), "missing.env"), "-http", "127.0.0.1:0", "-journal", "memory", "-print-config"}
	if code := run(context.Background(), args, &out, &errOut); code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	var cfg config.Config
	if err := json.Unmarshal(out.Bytes(), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Listen.HTTP != "127.0.0.1:0" || cfg.Journal.Backend != "memory" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestBadFlagsAndConfig(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"-nope"}, &out, &errOut); code != 2 {
		t.Fatalf("unknown flag: exit %d", code)
	}
	if code := run(context.Background(), []string{"-journal", "postgres", "-print-config"}, &out, &errOut); code != 2 {
		t.Fatalf("invalid journal: exit %d", code)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := config.Default()
	cfg.Listen = config.Listen{GRPC: "127.0.0.1:0", HTTP: "127.0.0.1:0"}
	if err := serve(ctx, cfg, zerolog.Nop()); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestCASJournalHeadPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Journal = config.Journal{Backend: config.JournalCAS, HeadFile: filepath.Join(dir, "head")}
	blocks := memstore.New()

	j, err := openJournal(ctx, cfg, blocks, zerolog.Nop())
	if err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	e := journal.Entry{Seq: 1, Caller: identity.FromPublicKey([]byte("a")), Method: "register"}
	if err := j.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	head, err := readHead(cfg.Journal.HeadFile)
	if err != nil || head == cid.Undef {
		t.Fatalf("head not persisted: %v %v", head, err)
	}

	again, err := openJournal(ctx, cfg, blocks, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n, _ := again.Head(ctx); n != 1 {
		t.Fatalf("reopened head=%d", n)
	}
}

func TestCursorFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor")
	if c, err := readCursor(path); err != nil || c != 0 {
		t.Fatalf("missing cursor: %d %v", c, err)
	}
	if err := writeFileAtomic(path, []byte("42\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if c, err := readCursor(path); err != nil || c != 42 {
		t.Fatalf("cursor: %d %v", c, err)
	}
}
