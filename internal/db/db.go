package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) AutoMigrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id SERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            avatar_url TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,

		// Message ids come from the clients (collision-resistant UUIDs), so
		// the primary key is text, not a serial.
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            channel_key TEXT NOT NULL,
            author_id INT REFERENCES users(id) ON DELETE CASCADE,
            author_name VARCHAR(50) NOT NULL,
            author_avatar TEXT NOT NULL DEFAULT '',
            content TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_messages_channel_created
            ON messages (channel_key, created_at)`,
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
