package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string `msgpack:"id"`
	Username     string `msgpack:"username"`
	Email        string `msgpack:"email"`
	PasswordHash string `msgpack:"passwordHash"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBRoom struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"name"`
	CreatorID string `msgpack:"creatorId"`
	CreatedAt int64  `msgpack:"createdAt"`
	DeletedAt int64  `msgpack:"deletedAt"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.Name)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBMessage struct {
	Seq           uint64 `msgpack:"seq"`
	ID            string `msgpack:"id"`
	Room          string `msgpack:"room"`
	Username      string `msgpack:"username"`
	Text          string `msgpack:"text"`
	System        bool   `msgpack:"system"`
	ClientID      string `msgpack:"clientId"`
	CreatedAt     int64  `msgpack:"createdAt"`
	EditedAt      int64  `msgpack:"editedAt"`
	ReplyTo       string `msgpack:"replyTo"`
	DeletedForAll bool   `msgpack:"deletedForAll"`
	ReadAt        int64  `msgpack:"readAt"`
}

func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, m.Seq)
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message record inside its room bucket. It is the
// value of the id index.
type DBMessageRef struct {
	Room string `msgpack:"room"`
	Seq  uint64 `msgpack:"seq"`
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBRefreshToken struct {
	Token     string `msgpack:"token"`
	UserID    string `msgpack:"userId"`
	CreatedAt int64  `msgpack:"createdAt"`
	ExpiresAt int64  `msgpack:"expiresAt"`
	RevokedAt int64  `msgpack:"revokedAt"`
}

func (t *DBRefreshToken) Key() []byte {
	return []byte(t.Token)
}

func (t *DBRefreshToken) MarshalBinary() (data []byte, err error) {
	type alias DBRefreshToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBRefreshToken) UnmarshalBinary(data []byte) error {
	type alias DBRefreshToken
	return msgpack.Unmarshal(data, (*alias)(t))
}
