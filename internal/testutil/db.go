// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"careerbot/internal/model"
)

// NewDB opens a migrated in-memory sqlite database that lives for the test.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	// every pooled connection to :memory: would otherwise see its own database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(model.Tables()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func CreateUser(t *testing.T, db *gorm.DB, email string) *model.User {
	t.Helper()
	user := &model.User{Name: email, Email: email, PasswordHash: "x"}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func CreateSession(t *testing.T, db *gorm.DB, userID uint, title string) *model.ChatSession {
	t.Helper()
	session := &model.ChatSession{UserID: userID, Title: title}
	if err := db.Create(session).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func CountMessages(t *testing.T, db *gorm.DB, sessionID uint) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&model.Message{}).Where("session_id = ?", sessionID).Count(&n).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return n
}
