// Package audit records relayed chat exchanges that had no target
// conversation. Writes are best-effort: failures are logged and swallowed
// so they never affect the caller-visible stream.
package audit

import (
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/treechat/treechat-service/internal/model"
)

// Entry is one relayed exchange.
type Entry struct {
	Model     string
	Messages  []model.ChatMessage
	Response  string
	StartedAt time.Time
	Error     error
}

// Recorder persists chat exchanges.
type Recorder interface {
	Record(entry Entry)
}

// Store is the sqlite-backed recorder.
type Store struct {
	db *gorm.DB
}

// Open creates (or migrates) the chat log database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.ChatLog{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Record(entry Entry) {
	messages, err := json.Marshal(entry.Messages)
	if err != nil {
		log.Warn("failed to encode chat log messages", "error", err)
		messages = []byte("[]")
	}
	record := &model.ChatLog{
		ID:         uuid.New(),
		Model:      entry.Model,
		Messages:   string(messages),
		Response:   entry.Response,
		StartedAt:  entry.StartedAt,
		FinishedAt: time.Now(),
		CreatedAt:  time.Now(),
	}
	if entry.Error != nil {
		msg := entry.Error.Error()
		record.Error = &msg
	}
	if err := s.db.Create(record).Error; err != nil {
		log.Warn("failed to write chat log", "error", err)
	}
}

// Noop discards every entry. Used when no audit database is configured.
type Noop struct{}

func (Noop) Record(Entry) {}
