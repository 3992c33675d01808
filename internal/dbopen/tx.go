package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// txBackoff is the wait before each retry of a transaction that hit a
// busy database. Its length bounds the number of retries.
var txBackoff = []time.Duration{100 * time.Millisecond, 250 * time.Millisecond}

// SQLite primary result codes, as reported by the driver's Code method.
const (
	codeBusy   = 5
	codeLocked = 6
)

// IsBusy reports whether err means another connection holds the lock.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case codeBusy, codeLocked:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "is locked")
}

// RunTx runs fn inside a transaction and commits it. A busy database
// rolls the attempt back and retries it after the next txBackoff step;
// any other failure is returned as is.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	err := inTx(ctx, db, fn)
	for _, wait := range txBackoff {
		if !IsBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dbopen: tx abandoned: %w", errors.Join(ctx.Err(), err))
		case <-time.After(wait):
		}
		err = inTx(ctx, db, fn)
	}
	return err
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}
