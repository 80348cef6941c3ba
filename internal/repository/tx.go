package repository

import (
	"context"
	"database/sql"
	"fmt"
)

type txKey struct{}

// querier は*sql.DBと*sql.Txの共通メソッド。
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn はctxにトランザクションがあればそれを、無ければdbを返す。
func conn(ctx context.Context, db *sql.DB) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// withinTx はfnをトランザクション内で実行する。
// ctxに既存のトランザクションがある場合は新たに開始せず、コミットも呼び出し元に任せる。
func withinTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TxManager はPostgreSQLのトランザクション境界を提供する。
type TxManager struct {
	db *sql.DB
}

// NewTxManager はTxManagerを生成する。
func NewTxManager(db *sql.DB) *TxManager {
	return &TxManager{db: db}
}

// WithinTx はfnを1つのトランザクションで実行する。fnがエラーを返した場合はロールバックする。
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withinTx(ctx, m.db, fn)
}

var _ Transactor = (*TxManager)(nil)
