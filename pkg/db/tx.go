package db

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// WithTx stores tx on ctx so repositories called further down join it.
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) (*gorm.DB, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return tx, ok && tx != nil
}

// Conn returns the ambient transaction when present, otherwise fallback bound to ctx.
func Conn(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := TxFromContext(ctx); ok {
		return tx.WithContext(ctx)
	}
	return fallback.WithContext(ctx)
}

// RunInTx runs fn inside a transaction. A transaction already on ctx is joined rather than nested.
func RunInTx(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(WithTx(ctx, tx))
	})
}

// Isolated runs fn on a savepoint when ctx carries a transaction, so a failure inside fn
// does not poison the outer transaction. Without a transaction fn gets its own.
func Isolated(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return Conn(ctx, db).Transaction(fn)
}
