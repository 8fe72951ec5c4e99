package mjbot

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// MessageLog is a DB model recording the outcome of one handled discord
// message: who sent it, what they said, what the bot replied (or the
// error that stopped the pipeline). Writes are best-effort and never
// affect the user-visible reply.
type MessageLog struct {
	ModelUintID
	ModelUnixTime
	MessageID   string `json:"message_id"`
	ChannelID   string `json:"channel_id"`
	GuildID     string `json:"guild_id"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	PlayerID    string `json:"player_id"`
	Content     string `json:"content"`
	Reply       string `json:"reply"`
	Error       string `json:"error"`
	HandledInMS int64  `json:"handled_in_ms" gorm:"column:handled_in_ms"`
}

func NewMessageLog(m *discordgo.Message) MessageLog {
	rec := MessageLog{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
	}
	if m.Author != nil {
		rec.UserID = m.Author.ID
		rec.Username = m.Author.Username
	}
	return rec
}

func (m MessageLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("guild_id", m.GuildID),
		slog.String("user_id", m.UserID),
		slog.String("username", m.Username),
		slog.String("player_id", m.PlayerID),
		slog.String("error", m.Error),
	)
}

// database wraps the GORM connection with a mutex, since SQLite only
// tolerates a single writer.
type database struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger
}

func newDatabase(db *gorm.DB, log *slog.Logger) *database {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:     db,
		logger: log.With(loggerNameKey, "writedb"),
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Create(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

// CreateDB initializes and returns a GORM SQLite connection for the local
// message log, and performs auto-migration. A nil logLevel or zero
// slowThreshold falls back to the defaults.
func CreateDB(
	ctx context.Context,
	database string,
	logLevel slog.Leveler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if logLevel == nil {
		logLevel = DefaultDatabaseLogLevel
	}
	if slowThreshold <= 0 {
		slowThreshold = DefaultDatabaseSlowThreshold
	}
	handler := defaultLogHandler(logLevel)

	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database", database,
	)

	parentDir := filepath.Dir(database)
	if parentDir != "" {
		if err := os.MkdirAll(parentDir, 0755); err != nil {
			if !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
	}

	db, err := gorm.Open(
		sqlite.Open(database),
		&gorm.Config{
			Logger: gormLogger,
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
		},
	)
	if err != nil {
		return db, err
	}

	if err = db.WithContext(ctx).AutoMigrate(&MessageLog{}); err != nil {
		return db, err
	}
	return db, nil
}
