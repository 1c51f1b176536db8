package database

import (
	"context"
	"database/sql"
)

type PgChatRepository struct {
	conn *sql.DB
}

func NewPgChatRepository(db *sql.DB) *PgChatRepository {
	return &PgChatRepository{conn: db}
}

func (db *PgChatRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
