package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"realtime-chat/internal/storage/zapadapter"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

var (
	ErrUserExists        = errors.New("user already exists")
	ErrUserNotExist      = errors.New("user does not exist")
	ErrChatNotExist      = errors.New("chat does not exist")
	ErrUserNotChatMember = errors.New("user is not a chat member")
)

//go:embed schema.sql
var schema string

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())
	config.ConnConfig.LogLevel = pgx.LogLevelWarn

	for _, o := range opts {
		o.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Migrate applies the embedded schema, it is safe to call on every start
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close closes all pool connections
func (s *Store) Close() {
	s.db.Close()
}

func pgCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

const userColumns = "id, name, email, password_hash, profile_picture, created_at, updated_at"

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.ProfilePicture, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotExist
		}
		return User{}, err
	}
	return u, nil
}

// CreateUser creates user and returns it
func (s *Store) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	s.logger.Debugf("Creating user (%s)", nu.Email)

	now := time.Now().UTC()
	u := User{
		ID:             xid.New().String(),
		Name:           nu.Name,
		Email:          nu.Email,
		PasswordHash:   nu.PasswordHash,
		ProfilePicture: nu.ProfilePicture,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	sql := "insert into users (" + userColumns + ") values ($1, $2, $3, $4, $5, $6, $7)"
	_, err := s.db.Exec(ctx, sql, u.ID, u.Name, u.Email, u.PasswordHash, u.ProfilePicture, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if code, _ := pgCode(err); code == pgerrcode.UniqueViolation {
			return User{}, ErrUserExists
		}
		return User{}, err
	}

	s.logger.Debugf("Created user (%s) with id %s", u.Email, u.ID)

	return u, nil
}

// UserByID returns user with provided id
func (s *Store) UserByID(ctx context.Context, id string) (User, error) {
	sql := "select " + userColumns + " from users where id = $1"
	return scanUser(s.db.QueryRow(ctx, sql, id))
}

// UserByEmail returns user registered with provided email
func (s *Store) UserByEmail(ctx context.Context, email string) (User, error) {
	sql := "select " + userColumns + " from users where email = $1"
	return scanUser(s.db.QueryRow(ctx, sql, email))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchUsers returns users whose name or email contains query (case-insensitive), except excludeID
func (s *Store) SearchUsers(ctx context.Context, query, excludeID string) ([]User, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"
	sql := "select " + userColumns + ` from users
			 where id <> $1
			   and (name ilike $2 or email ilike $2)
			 order by name, id
			 limit 50`

	rows, err := s.db.Query(ctx, sql, excludeID, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// UpdateProfilePicture replaces user's profile picture and returns the updated user
func (s *Store) UpdateProfilePicture(ctx context.Context, id, picture string) (User, error) {
	sql := "update users set profile_picture = $2, updated_at = $3 where id = $1 returning " + userColumns
	return scanUser(s.db.QueryRow(ctx, sql, id, picture, time.Now().UTC()))
}

// chatSelect populates members (in join order), admin and latest message with its sender
const chatSelect = `
	select c.id, c.name, c.is_group, c.created_at, c.updated_at,
		   coalesce(members.users, '{}'),
		   a.id, a.name, a.email, a.profile_picture, a.created_at, a.updated_at,
		   lm.id, lm.content, lm.is_audio, lm.duration, lm.created_at,
		   ls.id, ls.name, ls.email, ls.profile_picture, ls.created_at, ls.updated_at
	  from chats c
	  left join lateral (
			select array_agg(jsonb_build_object(
					   'id', u.id,
					   'name', u.name,
					   'email', u.email,
					   'profilePicture', u.profile_picture,
					   'createdAt', u.created_at,
					   'updatedAt', u.updated_at) order by cu.joined_at, u.id) as users
			  from chat_users cu
			  join users u
				on u.id = cu.user_id
			 where cu.chat_id = c.id
		   ) members on true
	  left join users a
		on a.id = c.admin_id
	  left join messages lm
		on lm.id = c.latest_message_id
	  left join users ls
		on ls.id = lm.sender_id`

type nullUser struct {
	id, name, email, picture pgtype.Text
	createdAt, updatedAt     pgtype.Timestamptz
}

func (nu *nullUser) targets() []interface{} {
	return []interface{}{&nu.id, &nu.name, &nu.email, &nu.picture, &nu.createdAt, &nu.updatedAt}
}

func (nu *nullUser) user() *User {
	if nu.id.Status != pgtype.Present {
		return nil
	}
	return &User{
		ID:             nu.id.String,
		Name:           nu.name.String,
		Email:          nu.email.String,
		ProfilePicture: nu.picture.String,
		CreatedAt:      nu.createdAt.Time,
		UpdatedAt:      nu.updatedAt.Time,
	}
}

type chatRow struct {
	chat      Chat
	members   pgtype.JSONBArray
	admin     nullUser
	msgID     pgtype.Text
	content   pgtype.Text
	isAudio   pgtype.Bool
	duration  pgtype.Text
	msgAt     pgtype.Timestamptz
	msgSender nullUser
}

func (r *chatRow) targets() []interface{} {
	t := []interface{}{&r.chat.ID, &r.chat.Name, &r.chat.IsGroup, &r.chat.CreatedAt, &r.chat.UpdatedAt, &r.members}
	t = append(t, r.admin.targets()...)
	t = append(t, &r.msgID, &r.content, &r.isAudio, &r.duration, &r.msgAt)
	return append(t, r.msgSender.targets()...)
}

func (r *chatRow) toChat() (Chat, error) {
	c := r.chat
	c.Members = make([]User, 0, len(r.members.Elements))
	for _, el := range r.members.Elements {
		var u User
		if err := json.Unmarshal(el.Bytes, &u); err != nil {
			return Chat{}, fmt.Errorf("decoding chat member: %w", err)
		}
		c.Members = append(c.Members, u)
	}

	c.Admin = r.admin.user()

	if r.msgID.Status == pgtype.Present {
		c.LatestMessage = &Message{
			ID:        r.msgID.String,
			ChatID:    c.ID,
			Sender:    r.msgSender.user(),
			Content:   r.content.String,
			IsAudio:   r.isAudio.Bool,
			Duration:  r.duration.String,
			CreatedAt: r.msgAt.Time,
		}
	}

	return c, nil
}

func (s *Store) queryChats(ctx context.Context, q querier, sql string, args ...interface{}) ([]Chat, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := make([]Chat, 0)
	for rows.Next() {
		var r chatRow
		if err := rows.Scan(r.targets()...); err != nil {
			return nil, err
		}

		c, err := r.toChat()
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}

	return chats, rows.Err()
}

// ChatByID returns populated chat with provided id
func (s *Store) ChatByID(ctx context.Context, id string) (Chat, error) {
	chats, err := s.queryChats(ctx, s.db, chatSelect+" where c.id = $1", id)
	if err != nil {
		return Chat{}, err
	}
	if len(chats) == 0 {
		return Chat{}, ErrChatNotExist
	}
	return chats[0], nil
}

// ChatsByUserID returns all chats of the user, most recently updated first
func (s *Store) ChatsByUserID(ctx context.Context, userID string) ([]Chat, error) {
	s.logger.Debugf("Retrieving chats for user (id: %s)", userID)

	// check if user exists
	var i int8
	err := s.db.QueryRow(ctx, "select 1 from users where id = $1", userID).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotExist
		}
		return nil, err
	}

	sql := chatSelect + `
	 where exists (select 1 from chat_users x where x.chat_id = c.id and x.user_id = $1)
	 order by c.updated_at desc, c.id`

	chats, err := s.queryChats(ctx, s.db, sql, userID)
	if err != nil {
		return nil, err
	}

	s.logger.Debugf("Retrieved %d chats", len(chats))

	return chats, nil
}

// FindOrCreateDirectChat returns the direct chat of the pair, creating it when missing.
// The unique direct_key makes concurrent calls for the same pair converge on one chat.
func (s *Store) FindOrCreateDirectChat(ctx context.Context, a, b string) (Chat, error) {
	key := DirectKey(a, b)
	s.logger.Debugf("Accessing direct chat (%s)", key)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Chat{}, err
	}
	// error handling can be omitted for rollback according docs
	// see https://pkg.go.dev/github.com/jackc/pgx/v4?tab=doc#hdr-Transactions or any source comment on Rollback
	defer tx.Rollback(context.Background())

	now := time.Now().UTC()
	var id string
	sql := `insert into chats (id, name, is_group, direct_key, created_at, updated_at)
			values ($1, '', false, $2, $3, $3)
			on conflict (direct_key) do nothing
			returning id`
	err = tx.QueryRow(ctx, sql, xid.New().String(), key, now).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := tx.QueryRow(ctx, "select id from chats where direct_key = $1", key).Scan(&id); err != nil {
			return Chat{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Chat{}, err
		}
		return s.ChatByID(ctx, id)
	case err != nil:
		return Chat{}, err
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"chat_users"}, []string{"chat_id", "user_id", "joined_at"},
		copyFromMembers(memberRows(id, []string{a, b}, now)))
	if err != nil {
		if code, _ := pgCode(err); code == pgerrcode.ForeignKeyViolation {
			return Chat{}, ErrUserNotExist
		}
		return Chat{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Chat{}, err
	}

	s.logger.Debugf("Created direct chat (%s) with id %s", key, id)

	return s.ChatByID(ctx, id)
}

// CreateGroupChat performs two-step transaction to create group chat
// (1. insert chat record; 2. bulk insert on "chat_users" table) and returns it populated
func (s *Store) CreateGroupChat(ctx context.Context, name, adminID string, memberIDs []string) (Chat, error) {
	s.logger.Debugf("Creating group chat (%s) with users (%v)", name, memberIDs)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Chat{}, err
	}
	defer tx.Rollback(context.Background())

	now := time.Now().UTC()
	id := xid.New().String()
	sql := `insert into chats (id, name, is_group, admin_id, created_at, updated_at)
			values ($1, $2, true, $3, $4, $4)`
	if _, err := tx.Exec(ctx, sql, id, name, adminID, now); err != nil {
		if code, _ := pgCode(err); code == pgerrcode.ForeignKeyViolation {
			return Chat{}, ErrUserNotExist
		}
		return Chat{}, err
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"chat_users"}, []string{"chat_id", "user_id", "joined_at"},
		copyFromMembers(memberRows(id, memberIDs, now)))
	if err != nil {
		if code, _ := pgCode(err); code == pgerrcode.ForeignKeyViolation {
			return Chat{}, ErrUserNotExist
		}
		return Chat{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Chat{}, err
	}

	s.logger.Debugf("Created group chat (%s) with id %s", name, id)

	return s.ChatByID(ctx, id)
}

// lockChat takes a row lock on the chat for the rest of the transaction
func lockChat(ctx context.Context, tx pgx.Tx, chatID string) error {
	var id string
	err := tx.QueryRow(ctx, "select id from chats where id = $1 for update", chatID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrChatNotExist
	}
	return err
}

// AddChatMember adds user to chat members, adding an existing member is a no-op
func (s *Store) AddChatMember(ctx context.Context, chatID, userID string) error {
	s.logger.Debugf("Adding user (id: %s) to chat (id: %s)", userID, chatID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())

	if err := lockChat(ctx, tx, chatID); err != nil {
		return err
	}

	now := time.Now().UTC()
	sql := `insert into chat_users (chat_id, user_id, joined_at) values ($1, $2, $3)
			on conflict (chat_id, user_id) do nothing`
	if _, err := tx.Exec(ctx, sql, chatID, userID, now); err != nil {
		if code, _ := pgCode(err); code == pgerrcode.ForeignKeyViolation {
			return ErrUserNotExist
		}
		return err
	}

	if _, err := tx.Exec(ctx, "update chats set updated_at = $2 where id = $1", chatID, now); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RemoveChatMember removes user from chat members. When the admin is removed the longest-standing
// remaining member becomes admin, an emptied chat is left without admin.
func (s *Store) RemoveChatMember(ctx context.Context, chatID, userID string) error {
	s.logger.Debugf("Removing user (id: %s) from chat (id: %s)", userID, chatID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())

	if err := lockChat(ctx, tx, chatID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, "delete from chat_users where chat_id = $1 and user_id = $2", chatID, userID); err != nil {
		return err
	}

	sql := `update chats
			   set admin_id = (select user_id
								 from chat_users
								where chat_id = $1
								order by joined_at, user_id
								limit 1)
			 where id = $1 and admin_id = $2`
	if _, err := tx.Exec(ctx, sql, chatID, userID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, "update chats set updated_at = $2 where id = $1", chatID, time.Now().UTC()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// CreateMessage stores the message and moves the chat's latest message pointer in one transaction.
// The chat row lock serializes concurrent sends, so the pointer always ends on the newest message.
func (s *Store) CreateMessage(ctx context.Context, nm NewMessage) (Message, error) {
	s.logger.Debugf("Creating message from user (id: %s) in chat (id: %s)", nm.SenderID, nm.ChatID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback(context.Background())

	if err := lockChat(ctx, tx, nm.ChatID); err != nil {
		return Message{}, err
	}

	var senderID *string
	if nm.SenderID != "" {
		var i int8
		sql := "select 1 from chat_users where chat_id = $1 and user_id = $2"
		if err := tx.QueryRow(ctx, sql, nm.ChatID, nm.SenderID).Scan(&i); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Message{}, ErrUserNotChatMember
			}
			return Message{}, err
		}
		senderID = &nm.SenderID
	}

	m := Message{
		ID:        xid.New().String(),
		ChatID:    nm.ChatID,
		Content:   nm.Content,
		IsAudio:   nm.IsAudio,
		Duration:  nm.Duration,
		CreatedAt: time.Now().UTC(),
	}

	sql := `insert into messages (id, chat_id, sender_id, content, is_audio, duration, created_at)
			values ($1, $2, $3, $4, $5, $6, $7)`
	_, err = tx.Exec(ctx, sql, m.ID, m.ChatID, senderID, m.Content, m.IsAudio, m.Duration, m.CreatedAt)
	if err != nil {
		if code, constraint := pgCode(err); code == pgerrcode.ForeignKeyViolation {
			switch constraint {
			case "messages_chat_id_fkey":
				return Message{}, ErrChatNotExist
			case "messages_sender_id_fkey":
				return Message{}, ErrUserNotExist
			}
		}
		return Message{}, err
	}

	sql = `update chats
			  set latest_message_id = $2, latest_message_at = $3, updated_at = $3
			where id = $1`
	if _, err := tx.Exec(ctx, sql, m.ChatID, m.ID, m.CreatedAt); err != nil {
		return Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	if nm.SenderID != "" {
		sender, err := s.UserByID(ctx, nm.SenderID)
		if err != nil {
			return Message{}, err
		}
		m.Sender = &sender
	}

	chat, err := s.ChatByID(ctx, m.ChatID)
	if err != nil {
		return Message{}, err
	}
	// the message itself is the chat's latest one
	chat.LatestMessage = nil
	m.Chat = &chat

	return m, nil
}

// MessagesByChatID returns list of all chat messages sorted by message creation time
// (from earliest to latest)
func (s *Store) MessagesByChatID(ctx context.Context, chatID string) ([]Message, error) {
	s.logger.Debugf("Retrieving messages for chat (id: %s)", chatID)

	// check if chat exists
	var i int8
	err := s.db.QueryRow(ctx, "select 1 from chats where id = $1", chatID).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChatNotExist
		}
		return nil, err
	}

	sql := `select m.id, m.chat_id, m.content, m.is_audio, m.duration, m.created_at,
				   u.id, u.name, u.email, u.profile_picture, u.created_at, u.updated_at
			  from messages m
			  left join users u
				on u.id = m.sender_id
			 where m.chat_id = $1
			 order by m.created_at asc, m.id asc`

	rows, err := s.db.Query(ctx, sql, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var (
			m      Message
			sender nullUser
		)
		targets := append([]interface{}{&m.ID, &m.ChatID, &m.Content, &m.IsAudio, &m.Duration, &m.CreatedAt}, sender.targets()...)
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}
		m.Sender = sender.user()
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}
