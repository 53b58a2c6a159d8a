// Package storage defines the data store collaborator used by the Loft
// chat service: user, group, channel, membership, and session queries.
package storage

import "context"

// UserID identifies a registered user.
type UserID int64

// GroupID identifies a chat group.
type GroupID int64

// ChannelID identifies a channel within a group.
type ChannelID int64

// Channel is a channel summary as returned by GroupChannels.
type Channel struct {
	ChannelID ChannelID `json:"channel_id"`
	Name      string    `json:"name"`
}

// Group is a group summary as returned by GroupList.
type Group struct {
	GroupID GroupID `json:"group_id"`
	Name    string  `json:"name"`
	Picture string  `json:"picture"`
}

// Profile holds the identity fields recorded for a user at login time.
type Profile struct {
	Subject    string
	Name       string
	Picture    string
	GivenName  string
	FamilyName string
}

// Store is the query surface the rest of the service depends on. All
// methods may fail with a storage error, which aborts the in-progress
// operation; callers never see partial results.
type Store interface {
	// GroupChannels returns the channels of a group ordered by channel ID.
	// The result is empty for an unknown group.
	GroupChannels(ctx context.Context, groupID GroupID) ([]Channel, error)

	// SessionUserID resolves a session token to the owning user. The
	// second return value is false when the session does not exist.
	SessionUserID(ctx context.Context, token string) (UserID, bool, error)

	// IsGroupMember reports whether the user belongs to the group.
	IsGroupMember(ctx context.Context, userID UserID, groupID GroupID) (bool, error)

	// CreateGroup inserts a new group. The second return value is false
	// when the name is already taken.
	CreateGroup(ctx context.Context, name, picture string) (GroupID, bool, error)

	// GroupList returns the groups the user is a member of, ordered by
	// group ID.
	GroupList(ctx context.Context, userID UserID) ([]Group, error)

	// UpsertUser inserts or refreshes a user record keyed by the identity
	// provider subject and returns its ID.
	UpsertUser(ctx context.Context, profile Profile) (UserID, error)

	// CreateSession records a new session token for the user.
	CreateSession(ctx context.Context, token string, userID UserID) error

	// DeleteSession removes a session token. Deleting an unknown token is
	// not an error.
	DeleteSession(ctx context.Context, token string) error
}
