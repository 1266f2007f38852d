package db

import (
	"context"
	"database/sql/driver"
	"fmt"
)

// WithTx executes fn inside a transaction on a dedicated connection.
// Uses BEGIN IMMEDIATE for SQLite or plain BEGIN for Postgres.
// If fn returns an error, the transaction is rolled back and a rollback
// failure is joined onto it.
//
// COMMIT and ROLLBACK ignore ctx cancellation: once BEGIN has run, the
// connection must leave the transaction before it goes back to the pool.
func WithTx(ctx context.Context, db *CompatDB, fn func(conn *CompatConn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, db.BeginTxSQL()); err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	finish := context.WithoutCancel(ctx)

	if err := fn(conn); err != nil {
		if _, rbErr := conn.ExecContext(finish, "ROLLBACK"); rbErr != nil {
			discard(conn)
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if _, err := conn.ExecContext(finish, "COMMIT"); err != nil {
		if _, rbErr := conn.ExecContext(finish, "ROLLBACK"); rbErr != nil {
			discard(conn)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// discard drops conn from the pool instead of reusing it in an unknown
// transaction state.
func discard(conn *CompatConn) {
	_ = conn.Conn.Raw(func(any) error { return driver.ErrBadConn })
}
