// Package storage implements the Store interface on PostgreSQL via gorm.
package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type userRecord struct {
	UserID  int64  `gorm:"primaryKey;autoIncrement"`
	Subject string `gorm:"uniqueIndex;size:255"`
	Name    string
	Picture string
}

func (userRecord) TableName() string { return "users" }

type groupRecord struct {
	GroupID int64  `gorm:"primaryKey;autoIncrement"`
	Name    string `gorm:"uniqueIndex;size:255"`
	Picture string
}

func (groupRecord) TableName() string { return "groups" }

type channelRecord struct {
	ChannelID int64 `gorm:"primaryKey;autoIncrement"`
	GroupID   int64 `gorm:"index"`
	Name      string
}

func (channelRecord) TableName() string { return "channels" }

type membershipRecord struct {
	UserID  int64 `gorm:"primaryKey"`
	GroupID int64 `gorm:"primaryKey"`
}

func (membershipRecord) TableName() string { return "memberships" }

type sessionRecord struct {
	Token  string `gorm:"primaryKey;size:64"`
	UserID int64  `gorm:"index"`
}

func (sessionRecord) TableName() string { return "sessions" }

// PostgresStore implements Store on a PostgreSQL database.
type PostgresStore struct {
	db *gorm.DB
}

var _ Store = (*PostgresStore)(nil)

// Open connects to the database identified by dsn and runs schema
// migration for the tables the store owns.
func Open(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(
		&userRecord{},
		&groupRecord{},
		&channelRecord{},
		&membershipRecord{},
		&sessionRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// GroupChannels returns the channels of a group ordered by channel ID.
func (s *PostgresStore) GroupChannels(ctx context.Context, groupID GroupID) ([]Channel, error) {
	var rows []channelRecord
	err := s.db.WithContext(ctx).
		Where("group_id = ?", int64(groupID)).
		Order("channel_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying channels for group %d: %w", groupID, err)
	}

	channels := make([]Channel, 0, len(rows))
	for _, row := range rows {
		channels = append(channels, Channel{
			ChannelID: ChannelID(row.ChannelID),
			Name:      row.Name,
		})
	}
	return channels, nil
}

// SessionUserID resolves a session token to the owning user.
func (s *PostgresStore) SessionUserID(ctx context.Context, token string) (UserID, bool, error) {
	var row sessionRecord
	err := s.db.WithContext(ctx).First(&row, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying session: %w", err)
	}
	return UserID(row.UserID), true, nil
}

// IsGroupMember reports whether the user belongs to the group.
func (s *PostgresStore) IsGroupMember(ctx context.Context, userID UserID, groupID GroupID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&membershipRecord{}).
		Where("user_id = ? AND group_id = ?", int64(userID), int64(groupID)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("querying membership of user %d in group %d: %w", userID, groupID, err)
	}
	return count > 0, nil
}

// CreateGroup inserts a new group, reporting false on a duplicate name.
func (s *PostgresStore) CreateGroup(ctx context.Context, name, picture string) (GroupID, bool, error) {
	row := groupRecord{Name: name, Picture: picture}
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("creating group %q: %w", name, err)
	}
	return GroupID(row.GroupID), true, nil
}

// GroupList returns the groups the user is a member of.
func (s *PostgresStore) GroupList(ctx context.Context, userID UserID) ([]Group, error) {
	var rows []groupRecord
	err := s.db.WithContext(ctx).
		Joins("JOIN memberships ON memberships.group_id = groups.group_id").
		Where("memberships.user_id = ?", int64(userID)).
		Order("groups.group_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying groups for user %d: %w", userID, err)
	}

	groups := make([]Group, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, Group{
			GroupID: GroupID(row.GroupID),
			Name:    row.Name,
			Picture: row.Picture,
		})
	}
	return groups, nil
}

// UpsertUser inserts or refreshes a user record keyed by subject.
func (s *PostgresStore) UpsertUser(ctx context.Context, profile Profile) (UserID, error) {
	row := userRecord{
		Subject: profile.Subject,
		Name:    profile.Name,
		Picture: profile.Picture,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "picture"}),
		}).
		Create(&row).Error
	if err != nil {
		return 0, fmt.Errorf("upserting user %q: %w", profile.Subject, err)
	}

	// The RETURNING clause does not populate the key on conflict updates
	// with every server version, so read it back explicitly.
	if row.UserID == 0 {
		var existing userRecord
		if err := s.db.WithContext(ctx).First(&existing, "subject = ?", profile.Subject).Error; err != nil {
			return 0, fmt.Errorf("reading back user %q: %w", profile.Subject, err)
		}
		row.UserID = existing.UserID
	}
	return UserID(row.UserID), nil
}

// CreateSession records a session token for the user.
func (s *PostgresStore) CreateSession(ctx context.Context, token string, userID UserID) error {
	row := sessionRecord{Token: token, UserID: int64(userID)}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// DeleteSession removes a session token.
func (s *PostgresStore) DeleteSession(ctx context.Context, token string) error {
	err := s.db.WithContext(ctx).Delete(&sessionRecord{}, "token = ?", token).Error
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}
