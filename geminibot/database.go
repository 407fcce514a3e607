package geminibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	// dbTypeNone disables the audit database
	dbTypeNone = "none"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// CompletionLog is an audit record of a single completion. Prompts and
// responses aren't stored, only their sizes.
//
//nolint:lll // struct tags can't be split
type CompletionLog struct {
	ModelUintID
	RequestID       string         `json:"request_id" gorm:"uniqueIndex;not null"`
	ChannelID       string         `json:"channel_id" gorm:"index;not null"`
	GuildID         string         `json:"guild_id" gorm:"index"`
	UserID          string         `json:"user_id" gorm:"index"`
	MessageID       string         `json:"message_id"`
	Trigger         string         `json:"trigger" gorm:"type:string"`
	Model           string         `json:"model"`
	PromptLength    int            `json:"prompt_length"`
	ImagesRequested int            `json:"images_requested"`
	ImagesAttached  int            `json:"images_attached"`
	HistoryTurns    int            `json:"history_turns"`
	ResponseLength  int            `json:"response_length"`
	Error           NullableString `json:"error"`
	DurationMS      int64          `json:"duration_ms"`
	CreatedAt       int64          `gorm:"autoCreateTime:milli;index" json:"created_at,omitempty"`
}

func newCompletionLog(
	result CompletionResult,
	trigger string,
	channelID string,
	guildID string,
	userID string,
	messageID string,
) *CompletionLog {
	rec := &CompletionLog{
		RequestID:       result.ID.String(),
		ChannelID:       channelID,
		GuildID:         guildID,
		UserID:          userID,
		MessageID:       messageID,
		Trigger:         trigger,
		Model:           result.Model,
		PromptLength:    len(result.EffectivePrompt),
		ImagesRequested: result.ImagesRequested,
		ImagesAttached:  result.ImagesAttached,
		HistoryTurns:    result.HistoryTurns,
		ResponseLength:  len(result.Text),
		DurationMS:      result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		rec.Error = NullableString(result.Err.Error())
	}
	return rec
}

// DBI is the set of database operations used by the bot
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	RecentCompletions(ctx context.Context, limit int, offset int, order string) (
		[]CompletionLog,
		error,
	)
}

// database wraps a gorm.DB. With SQLite, writes are serialized through mu.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	db := d.db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	if rv.Error != nil {
		d.logger.ErrorContext(ctx, "error creating record", tint.Err(rv.Error))
	}
	return rv.RowsAffected, rv.Error
}

// RecentCompletions returns a page of completion logs, ordered by
// creation time
func (d *database) RecentCompletions(
	ctx context.Context,
	limit int,
	offset int,
	order string,
) ([]CompletionLog, error) {
	var logs []CompletionLog
	if order != sortAscending {
		order = sortDescending
	}
	err := d.db.WithContext(ctx).
		Order(fmt.Sprintf("created_at %s, id %s", order, order)).
		Limit(limit).
		Offset(offset).
		Find(&logs).Error
	return logs, err
}

// OpenDatabase opens and migrates the audit database described by config,
// logging queries at the configured database log level
func OpenDatabase(ctx context.Context, config *Config) (*gorm.DB, error) {
	if config.DatabaseType == dbTypeNone {
		return nil, errors.New("audit database is disabled")
	}
	gormLogger := newGORMLogger(
		newLogHandler(config.DatabaseLogLevel),
		config.DatabaseSlowThreshold,
	)
	return CreateDB(ctx, config.DatabaseType, config.Database, gormLogger)
}

// CreateDB opens the database and migrates the audit tables
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if databaseType == dbTypeSQLite {
		sqlDB, sqlErr := db.DB()
		if sqlErr != nil {
			return nil, fmt.Errorf("error getting database connection: %w", sqlErr)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
	}

	txn := db.WithContext(ctx).Begin()
	if err = txn.Migrator().AutoMigrate(
		&CompletionLog{},
		&InteractionLog{},
	); err != nil {
		txn.Rollback()
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	if commitErr := txn.Commit().Error; commitErr != nil {
		return nil, fmt.Errorf("error committing transaction: %w", commitErr)
	}
	return db, nil
}

// getDB opens a gorm connection for the given database type, which must
// be 'sqlite' or 'postgres'
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	if gormLogger != nil {
		gormConfig.Logger = gormLogger
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
