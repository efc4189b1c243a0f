package storage

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"sohbet/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketUsernames     = []byte("usernames")
	bucketRooms         = []byte("rooms")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketClientIndex   = []byte("client_index")
	bucketOverlay       = []byte("overlay")
	bucketRefreshTokens = []byte("refresh_tokens")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketUsernames,
			bucketRooms,
			bucketMessages,
			bucketMessageIndex,
			bucketClientIndex,
			bucketOverlay,
			bucketRefreshTokens,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func toModel(m *DBMessage) models.Message {
	msg := models.Message{
		ID:            m.ID,
		Room:          m.Room,
		Username:      m.Username,
		Text:          m.Text,
		System:        m.System,
		ClientID:      m.ClientID,
		CreatedAt:     m.CreatedAt,
		EditedAt:      m.EditedAt,
		ReplyTo:       m.ReplyTo,
		DeletedForAll: m.DeletedForAll,
		ReadAt:        m.ReadAt,
	}
	// The stored body survives tombstoning for audits, but it never leaves
	// the store.
	if m.DeletedForAll {
		msg.Text = models.DeletedPlaceholder
	}
	return msg
}

// AppendMessage persists a new message and returns the stored record with its
// server-assigned id and creation timestamp. The timestamp is clamped so it
// never decreases within a room.
func (s *BboltStorage) AppendMessage(msg models.Message) (models.Message, error) {
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return models.Message{}, fmt.Errorf("empty message text: %w", models.ErrValidation)
	}
	if msg.Room == "" {
		return models.Message{}, fmt.Errorf("message missing room: %w", models.ErrValidation)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = s.now().UnixMilli()
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.Room))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		// Clamp against the newest record so per-room order follows key order.
		if _, last := roomBucket.Cursor().Last(); last != nil {
			var prev DBMessage
			if err := prev.UnmarshalBinary(last); err != nil {
				return err
			}
			if msg.CreatedAt < prev.CreatedAt {
				msg.CreatedAt = prev.CreatedAt
			}
		}

		seq, err := roomBucket.NextSequence()
		if err != nil {
			return err
		}

		dbMsg := DBMessage{
			Seq:       seq,
			ID:        msg.ID,
			Room:      msg.Room,
			Username:  msg.Username,
			Text:      msg.Text,
			System:    msg.System,
			ClientID:  msg.ClientID,
			CreatedAt: msg.CreatedAt,
			ReplyTo:   msg.ReplyTo,
		}

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := roomBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := DBMessageRef{Room: msg.Room, Seq: seq}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessageIndex).Put([]byte(msg.ID), refData); err != nil {
			return err
		}

		if msg.ClientID != "" {
			if err := tx.Bucket(bucketClientIndex).Put([]byte(msg.ClientID), []byte(msg.ID)); err != nil {
				return err
			}
		}

		return s.materializeRoom(tx, msg)
	})
	if err != nil {
		return models.Message{}, err
	}

	return msg, nil
}

// materializeRoom records a room the first time a message lands in it. Room
// creation authorization lives outside the core; any name with history is a
// room.
func (s *BboltStorage) materializeRoom(tx *bbolt.Tx, msg models.Message) error {
	b := tx.Bucket(bucketRooms)
	if b.Get([]byte(msg.Room)) != nil {
		return nil
	}

	dbRoom := DBRoom{
		ID:        uuid.NewString(),
		Name:      msg.Room,
		CreatedAt: msg.CreatedAt,
	}
	data, err := dbRoom.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(dbRoom.Key(), data)
}

// RecentMessages returns the most recent limit messages for a room in
// ascending chronological order.
func (s *BboltStorage) RecentMessages(room string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(room))
		if roomBucket == nil {
			return nil
		}

		c := roomBucket.Cursor()
		collected := 0
		for k, v := c.Last(); k != nil && collected < limit; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, toModel(&dbMsg))
			collected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Walked newest to oldest, flip to ascending.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (s *BboltStorage) messageByRef(tx *bbolt.Tx, ref DBMessageRef) (*DBMessage, error) {
	roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.Room))
	if roomBucket == nil {
		return nil, models.ErrNotFound
	}
	dbMsg := DBMessage{Seq: ref.Seq}
	data := roomBucket.Get(dbMsg.Key())
	if data == nil {
		return nil, models.ErrNotFound
	}
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbMsg, nil
}

func (s *BboltStorage) resolveRef(tx *bbolt.Tx, id string) (DBMessageRef, error) {
	data := tx.Bucket(bucketMessageIndex).Get([]byte(id))
	if data == nil {
		return DBMessageRef{}, models.ErrNotFound
	}
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(data); err != nil {
		return DBMessageRef{}, err
	}
	return ref, nil
}

// MessageByID returns the message with the given permanent id.
func (s *BboltStorage) MessageByID(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		ref, err := s.resolveRef(tx, id)
		if err != nil {
			return err
		}
		dbMsg, err := s.messageByRef(tx, ref)
		if err != nil {
			return err
		}
		msg = toModel(dbMsg)
		return nil
	})
	return msg, err
}

// MessageByClientID resolves a message through the sender's correlation id.
// It exists so an author can address a message whose permanent id it has not
// learned yet.
func (s *BboltStorage) MessageByClientID(clientID string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketClientIndex).Get([]byte(clientID))
		if id == nil {
			return models.ErrNotFound
		}
		ref, err := s.resolveRef(tx, string(id))
		if err != nil {
			return err
		}
		dbMsg, err := s.messageByRef(tx, ref)
		if err != nil {
			return err
		}
		msg = toModel(dbMsg)
		return nil
	})
	return msg, err
}

// EditMessageText replaces the body and sets the edit timestamp. Authorization
// (author match, non-system, not tombstoned) is the caller's responsibility.
func (s *BboltStorage) EditMessageText(id, newText string) (models.Message, error) {
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return models.Message{}, fmt.Errorf("empty message text: %w", models.ErrValidation)
	}

	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ref, err := s.resolveRef(tx, id)
		if err != nil {
			return err
		}
		dbMsg, err := s.messageByRef(tx, ref)
		if err != nil {
			return err
		}

		dbMsg.Text = newText
		dbMsg.EditedAt = s.now().UnixMilli()

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessages).Bucket([]byte(ref.Room)).Put(dbMsg.Key(), data); err != nil {
			return err
		}
		msg = toModel(dbMsg)
		return nil
	})
	return msg, err
}

// TombstoneForAll marks the message deleted for every viewer. The body is not
// erased, but every read path substitutes the placeholder from here on.
func (s *BboltStorage) TombstoneForAll(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ref, err := s.resolveRef(tx, id)
		if err != nil {
			return err
		}
		dbMsg, err := s.messageByRef(tx, ref)
		if err != nil {
			return err
		}

		dbMsg.DeletedForAll = true

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMessages).Bucket([]byte(ref.Room)).Put(dbMsg.Key(), data)
	})
}

// HideForUser inserts (user, message) into the per-user deletion overlay.
// Idempotent; other users and the underlying record are unaffected.
func (s *BboltStorage) HideForUser(userID, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ref, err := s.resolveRef(tx, id)
		if err != nil {
			return err
		}
		userBucket, err := tx.Bucket(bucketOverlay).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return err
		}
		return userBucket.Put([]byte(id), []byte(ref.Room))
	})
}

// OverlayForUser returns the set of message ids hidden from the user in the
// given room.
func (s *BboltStorage) OverlayForUser(userID, room string) (map[string]bool, error) {
	hidden := make(map[string]bool)
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketOverlay).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			if string(v) == room {
				hidden[string(k)] = true
			}
			return nil
		})
	})
	return hidden, err
}

// MarkReadThrough sets ReadAt on all unread non-system messages in the room
// authored by someone other than excludingUser, up to and including the given
// timestamp. Already-set receipts are never overwritten. Returns the read
// timestamp applied.
func (s *BboltStorage) MarkReadThrough(room, excludingUser string, upto int64) (int64, error) {
	readAt := s.now().UnixMilli()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(room))
		if roomBucket == nil {
			return nil
		}

		c := roomBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			// Keys follow creation order, nothing beyond upto qualifies.
			if dbMsg.CreatedAt > upto {
				break
			}
			if dbMsg.System || dbMsg.Username == excludingUser || dbMsg.ReadAt != 0 {
				continue
			}

			dbMsg.ReadAt = readAt
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return err
			}
			if err := roomBucket.Put(dbMsg.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
	return readAt, err
}

// CreateUser stores a new user record. Fails if the username is taken.
func (s *BboltStorage) CreateUser(user models.User, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		usernames := tx.Bucket(bucketUsernames)
		if usernames.Get([]byte(user.Username)) != nil {
			return fmt.Errorf("username %q is taken: %w", user.Username, models.ErrValidation)
		}

		dbUser := DBUser{
			ID:           user.ID,
			Username:     user.Username,
			Email:        user.Email,
			PasswordHash: passwordHash,
			CreatedAt:    user.CreatedAt,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Put(dbUser.Key(), data); err != nil {
			return err
		}
		return usernames.Put([]byte(user.Username), []byte(user.ID))
	})
}

// UserByUsername returns the user record and its password hash.
func (s *BboltStorage) UserByUsername(username string) (models.User, string, error) {
	var user models.User
	var hash string
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(username))
		if id == nil {
			return models.ErrNotFound
		}
		return s.loadUser(tx, string(id), &user, &hash)
	})
	return user, hash, err
}

// UserByID returns the user record by its id.
func (s *BboltStorage) UserByID(id string) (models.User, error) {
	var user models.User
	var hash string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return s.loadUser(tx, id, &user, &hash)
	})
	return user, err
}

func (s *BboltStorage) loadUser(tx *bbolt.Tx, id string, user *models.User, hash *string) error {
	data := tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return models.ErrNotFound
	}
	var dbUser DBUser
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return err
	}
	*user = models.User{
		ID:        dbUser.ID,
		Username:  dbUser.Username,
		Email:     dbUser.Email,
		CreatedAt: dbUser.CreatedAt,
	}
	*hash = dbUser.PasswordHash
	return nil
}

// StoreRefreshToken persists a refresh token record.
func (s *BboltStorage) StoreRefreshToken(token, userID string, expiresAt int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbToken := DBRefreshToken{
			Token:     token,
			UserID:    userID,
			CreatedAt: s.now().UnixMilli(),
			ExpiresAt: expiresAt,
		}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRefreshTokens).Put(dbToken.Key(), data)
	})
}

// RefreshTokenRecord returns the stored record for a refresh token.
func (s *BboltStorage) RefreshTokenRecord(token string) (DBRefreshToken, error) {
	var rec DBRefreshToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRefreshTokens).Get([]byte(token))
		if data == nil {
			return models.ErrNotFound
		}
		return rec.UnmarshalBinary(data)
	})
	return rec, err
}

// RefreshTokenLookup returns the owner and lifecycle timestamps of a refresh
// token.
func (s *BboltStorage) RefreshTokenLookup(token string) (string, int64, int64, error) {
	rec, err := s.RefreshTokenRecord(token)
	if err != nil {
		return "", 0, 0, err
	}
	return rec.UserID, rec.ExpiresAt, rec.RevokedAt, nil
}

// RevokeRefreshToken marks a refresh token revoked. Revoking an unknown or
// already-revoked token is a no-op.
func (s *BboltStorage) RevokeRefreshToken(token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRefreshTokens)
		data := b.Get([]byte(token))
		if data == nil {
			return nil
		}
		var rec DBRefreshToken
		if err := rec.UnmarshalBinary(data); err != nil {
			return err
		}
		if rec.RevokedAt != 0 {
			return nil
		}
		rec.RevokedAt = s.now().UnixMilli()
		updated, err := rec.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(rec.Key(), updated)
	})
}

// RevokeAllRefreshTokens revokes every live refresh token of a user.
func (s *BboltStorage) RevokeAllRefreshTokens(userID string) error {
	now := s.now().UnixMilli()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRefreshTokens)
		var pending []DBRefreshToken
		err := b.ForEach(func(k, v []byte) error {
			var rec DBRefreshToken
			if err := rec.UnmarshalBinary(v); err != nil {
				return err
			}
			if rec.UserID == userID && rec.RevokedAt == 0 {
				rec.RevokedAt = now
				pending = append(pending, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i := range pending {
			data, err := pending[i].MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(pending[i].Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteExpiredRefreshTokens drops tokens that are expired or revoked.
func (s *BboltStorage) DeleteExpiredRefreshTokens() error {
	now := s.now().UnixMilli()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRefreshTokens)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec DBRefreshToken
			if err := rec.UnmarshalBinary(v); err != nil {
				return err
			}
			if rec.ExpiresAt < now || rec.RevokedAt != 0 {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRooms returns all rooms that have ever received a message.
func (s *BboltStorage) ListRooms() ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, models.Room{
				ID:        dbRoom.ID,
				Name:      dbRoom.Name,
				CreatorID: dbRoom.CreatorID,
				CreatedAt: dbRoom.CreatedAt,
				DeletedAt: dbRoom.DeletedAt,
			})
			return nil
		})
	})
	return rooms, err
}

// PurgeRoomsOlderThan removes rooms whose newest message predates the cutoff,
// along with their messages, indexes and overlay entries. Returns the number
// of rooms purged.
func (s *BboltStorage) PurgeRoomsOlderThan(cutoff int64) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		roomsBucket := tx.Bucket(bucketRooms)
		messagesBucket := tx.Bucket(bucketMessages)

		var stale []string
		err := roomsBucket.ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			latest := dbRoom.CreatedAt
			if roomBucket := messagesBucket.Bucket([]byte(dbRoom.Name)); roomBucket != nil {
				if _, last := roomBucket.Cursor().Last(); last != nil {
					var dbMsg DBMessage
					if err := dbMsg.UnmarshalBinary(last); err != nil {
						return err
					}
					latest = dbMsg.CreatedAt
				}
			}
			if latest < cutoff {
				stale = append(stale, dbRoom.Name)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, room := range stale {
			if err := s.purgeRoom(tx, room); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

func (s *BboltStorage) purgeRoom(tx *bbolt.Tx, room string) error {
	messagesBucket := tx.Bucket(bucketMessages)
	indexBucket := tx.Bucket(bucketMessageIndex)
	clientBucket := tx.Bucket(bucketClientIndex)

	if roomBucket := messagesBucket.Bucket([]byte(room)); roomBucket != nil {
		err := roomBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if err := indexBucket.Delete([]byte(dbMsg.ID)); err != nil {
				return err
			}
			if dbMsg.ClientID != "" {
				if err := clientBucket.Delete([]byte(dbMsg.ClientID)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := messagesBucket.DeleteBucket([]byte(room)); err != nil {
			return err
		}
	}

	// Overlay cascade: drop hide entries pointing into the purged room.
	overlayBucket := tx.Bucket(bucketOverlay)
	c := overlayBucket.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if v != nil {
			continue // only nested user buckets expected
		}
		userBucket := overlayBucket.Bucket(k)
		var hidden [][]byte
		err := userBucket.ForEach(func(id, r []byte) error {
			if bytes.Equal(r, []byte(room)) {
				hidden = append(hidden, append([]byte(nil), id...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range hidden {
			if err := userBucket.Delete(id); err != nil {
				return err
			}
		}
	}

	return tx.Bucket(bucketRooms).Delete([]byte(room))
}
