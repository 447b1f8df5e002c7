package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog"

	"xdao.co/agentpay/cidutil"
	"xdao.co/agentpay/config"
	"xdao.co/agentpay/journal"
	"xdao.co/agentpay/journal/casjournal"
	"xdao.co/agentpay/journal/sqljournal"
	"xdao.co/agentpay/node"
	"xdao.co/agentpay/relay"
	"xdao.co/agentpay/storage"
)

func openJournal(ctx context.Context, cfg config.Config, blocks storage.BlockStore, logger zerolog.Logger) (journal.Journal, error) {
	switch cfg.Journal.Backend {
	case config.JournalMemory:
		logger.Warn().Msg("memory journal: state is lost on exit")
		return journal.NewMemory(), nil
	case config.JournalSQLite:
		return sqljournal.Open(cfg.Journal.DSN)
	case config.JournalCAS:
		head, err := readHead(cfg.Journal.HeadFile)
		if err != nil {
			return nil, err
		}
		j, err := casjournal.Open(ctx, blocks, head)
		if err != nil {
			return nil, err
		}
		headFile := cfg.Journal.HeadFile
		j.OnHead = func(c cid.Cid) {
			if err := writeFileAtomic(headFile, []byte(c.String()+"\n")); err != nil {
				logger.Error().Err(err).Str("head", c.String()).Msg("persist journal head failed")
			}
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unknown journal backend %q", cfg.Journal.Backend)
	}
}

func readHead(path string) (cid.Cid, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cid.Undef, nil
	}
	if err != nil {
		return cid.Undef, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return cid.Undef, nil
	}
	return cidutil.Parse(s)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readCursor(path string) (uint64, error) {
	if path == "" {
		return 0, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func startRelay(cfg config.Config, n *node.Node, logger zerolog.Logger) (*relay.Relay, func() error, error) {
	rc := cfg.Relay
	routingKey := rc.RoutingKey
	if routingKey == "" {
		routingKey = relay.DefaultRoutingKey
	}
	pub, err := relay.NewAMQPPublisher(rc.URL, rc.Exchange, rc.Queue, routingKey)
	if err != nil {
		return nil, nil, err
	}
	cursor, err := readCursor(rc.CursorFile)
	if err != nil {
		pub.Close()
		return nil, nil, fmt.Errorf("relay cursor: %w", err)
	}
	opts := relay.Options{
		Network:    cfg.Network,
		Schedule:   rc.Schedule,
		RoutingKey: routingKey,
		Batch:      rc.Batch,
		Cursor:     cursor,
		Logger:     &logger,
	}
	if rc.CursorFile != "" {
		opts.OnCursor = func(c uint64) {
			if err := writeFileAtomic(rc.CursorFile, []byte(strconv.FormatUint(c, 10)+"\n")); err != nil {
				logger.Error().Err(err).Uint64("cursor", c).Msg("persist relay cursor failed")
			}
		}
	}
	r, err := relay.New(n.Events(), pub, opts)
	if err != nil {
		pub.Close()
		return nil, nil, err
	}
	r.Start()
	return r, pub.Close, nil
}

func writeConfig(w io.Writer, cfg config.Config) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
