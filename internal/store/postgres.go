// Package store is the durable message log behind the room sessions: raw SQL
// over Postgres, plus change notifications pushed onto the room's realtime
// feed after every confirmed write.
package store

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/techSaswata/StackLane/internal/room"
)

// ErrNoRow is returned when an update or delete matches nothing. With the
// author predicate in the query, this is also how a non-author write gets
// rejected.
var ErrNoRow = errors.New("store: no matching row")

// ChangeNotifier pushes a row change to every current subscriber of the
// channel. Satisfied by transport.ChangeFeed.
type ChangeNotifier interface {
	Publish(ctx context.Context, channelKey string, change room.RowChange) error
}

type Postgres struct {
	db       *sql.DB
	notifier ChangeNotifier
}

func NewPostgres(db *sql.DB, notifier ChangeNotifier) *Postgres {
	return &Postgres{db: db, notifier: notifier}
}

func (p *Postgres) Insert(ctx context.Context, msg room.ChatMessage) error {
	query := `
		INSERT INTO messages (id, channel_key, author_id, author_name, author_avatar, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := p.db.ExecContext(ctx, query,
		msg.ID, msg.ChannelKey, msg.AuthorID, msg.AuthorName, msg.AuthorAvatar, msg.Content, msg.CreatedAt)
	if err != nil {
		return err
	}
	p.notify(ctx, msg.ChannelKey, room.RowChange{Kind: room.ChangeInsert, Message: msg})
	return nil
}

// Update rewrites a message's content. The author predicate in the WHERE
// clause is the store's policy layer: callers never pre-check authorship.
func (p *Postgres) Update(ctx context.Context, id string, authorID int, content string) error {
	query := `
		UPDATE messages SET content = $3
		WHERE id = $1 AND author_id = $2
		RETURNING channel_key, author_name, author_avatar, created_at
	`
	msg := room.ChatMessage{ID: id, AuthorID: authorID, Content: content}
	err := p.db.QueryRowContext(ctx, query, id, authorID, content).
		Scan(&msg.ChannelKey, &msg.AuthorName, &msg.AuthorAvatar, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoRow
		}
		return err
	}
	p.notify(ctx, msg.ChannelKey, room.RowChange{Kind: room.ChangeUpdate, Message: msg})
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id string, authorID int) error {
	query := `DELETE FROM messages WHERE id = $1 AND author_id = $2 RETURNING channel_key`
	var channelKey string
	err := p.db.QueryRowContext(ctx, query, id, authorID).Scan(&channelKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoRow
		}
		return err
	}
	p.notify(ctx, channelKey, room.RowChange{Kind: room.ChangeDelete, Message: room.ChatMessage{ID: id}})
	return nil
}

func (p *Postgres) SelectAll(ctx context.Context, channelKey string) ([]room.ChatMessage, error) {
	query := `
		SELECT id, channel_key, author_id, author_name, author_avatar, content, created_at
		FROM messages
		WHERE channel_key = $1
		ORDER BY created_at ASC
	`
	rows, err := p.db.QueryContext(ctx, query, channelKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []room.ChatMessage
	for rows.Next() {
		var msg room.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.ChannelKey, &msg.AuthorID, &msg.AuthorName, &msg.AuthorAvatar, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (p *Postgres) notify(ctx context.Context, channelKey string, change room.RowChange) {
	if p.notifier == nil {
		return
	}
	// A missed echo is healed by the next history load; the write itself
	// already succeeded.
	if err := p.notifier.Publish(ctx, channelKey, change); err != nil {
		log.Printf("store: change notification failed on %s: %v", channelKey, err)
	}
}
