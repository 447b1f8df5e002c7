// Package sqljournal persists journal entries in a SQL database through gorm.
// The default driver is sqlite.
package sqljournal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/journal"
)

// EntryRow is the table layout of one journal entry.
type EntryRow struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement:false"`
	Caller    string `gorm:"size:42;index"`
	Method    string `gorm:"size:64"`
	Args      string
	Nonce     uint64
	Time      time.Time
	CreatedAt time.Time
}

func (EntryRow) TableName() string { return "journal_entries" }

func rowFrom(e journal.Entry) EntryRow {
	return EntryRow{
		Seq:    e.Seq,
		Caller: e.Caller.Hex(),
		Method: e.Method,
		Args:   string(e.Args),
		Nonce:  e.Nonce,
		Time:   e.Time.UTC(),
	}
}

func (r EntryRow) entry() (journal.Entry, error) {
	caller, err := identity.Parse(r.Caller)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("sqljournal: row %d: %w", r.Seq, err)
	}
	e := journal.Entry{
		Seq:    r.Seq,
		Caller: caller,
		Method: r.Method,
		Nonce:  r.Nonce,
		Time:   r.Time.UTC(),
	}
	if r.Args != "" {
		e.Args = json.RawMessage(r.Args)
	}
	return e, nil
}

// Journal is a journal.Journal backed by a gorm database.
type Journal struct {
	mu   sync.Mutex
	db   *gorm.DB
	head uint64
}

var _ journal.Journal = (*Journal)(nil)

// Open connects to the sqlite database at dsn and migrates the entry table.
// Use "file::memory:?cache=shared" or ":memory:" for a throwaway journal.
func Open(dsn string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqljournal: open %q: %w", dsn, err)
	}
	return New(db)
}

// New uses an existing connection. The entry table is created if missing.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("sqljournal: nil db")
	}
	if err := db.AutoMigrate(&EntryRow{}); err != nil {
		return nil, fmt.Errorf("sqljournal: migrate: %w", err)
	}
	if !db.Migrator().HasTable(&EntryRow{}) {
		return nil, errors.New("sqljournal: journal_entries table was not created")
	}
	var head uint64
	if err := db.Model(&EntryRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&head).Error; err != nil {
		return nil, fmt.Errorf("sqljournal: read head: %w", err)
	}
	return &Journal{db: db, head: head}, nil
}

func (j *Journal) Append(ctx context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return journal.ErrClosed
	}
	if err := journal.CheckNext(j.head, e); err != nil {
		return err
	}
	row := rowFrom(e)
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqljournal: append %d: %w", e.Seq, err)
	}
	j.head = e.Seq
	return nil
}

func (j *Journal) Read(ctx context.Context, after uint64, limit int) ([]journal.Entry, error) {
	j.mu.Lock()
	db := j.db
	j.mu.Unlock()
	if db == nil {
		return nil, journal.ErrClosed
	}

	q := db.WithContext(ctx).Where("seq > ?", after).Order("seq asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []EntryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqljournal: read after %d: %w", after, err)
	}
	out := make([]journal.Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (j *Journal) Head(ctx context.Context) (uint64, error) {
	_ = ctx
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return 0, journal.ErrClosed
	}
	return j.head, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	j.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
