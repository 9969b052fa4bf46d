package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// UserProfile 是 /v1/profile 返回的用户资料。
type UserProfile struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:128"`
	Avatar    string `gorm:"size:512"`
	UpdatedAt time.Time
}

func (UserProfile) TableName() string { return "user_profiles" }

type ProfileStore struct {
	db *gorm.DB
}

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// NewProfileStore 会自动建表。
func NewProfileStore(db *gorm.DB) (*ProfileStore, error) {
	if err := db.AutoMigrate(&UserProfile{}); err != nil {
		return nil, err
	}
	return &ProfileStore{db: db}, nil
}

// GetProfile 没找到返回 nil, nil
func (s *ProfileStore) GetProfile(ctx context.Context, userID string) (*UserProfile, error) {
	var p UserProfile
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *ProfileStore) SaveProfile(ctx context.Context, p *UserProfile) error {
	return s.db.WithContext(ctx).Save(p).Error
}
