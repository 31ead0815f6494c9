package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-client/internal/models"
	"chat-client/internal/transport"
)

type APIMock struct {
	mock.Mock
}

func (m *APIMock) Login(ctx context.Context, usernameOrEmail, password string) (models.Session, error) {
	args := m.Called(ctx, usernameOrEmail, password)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *APIMock) Register(ctx context.Context, username, password, displayName string) (models.Session, error) {
	args := m.Called(ctx, username, password, displayName)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *APIMock) SetToken(token string) {
	m.Called(token)
}

func (m *APIMock) Me(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *APIMock) ListRooms(ctx context.Context) ([]models.Room, error) {
	args := m.Called(ctx)
	rooms, _ := args.Get(0).([]models.Room)
	return rooms, args.Error(1)
}

func (m *APIMock) History(ctx context.Context, roomID int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, roomID, limit)
	msgs, _ := args.Get(0).([]models.Message)
	return msgs, args.Error(1)
}

func (m *APIMock) SendMessage(ctx context.Context, roomID int64, content, clientID string) (models.Message, error) {
	args := m.Called(ctx, roomID, content, clientID)
	return args.Get(0).(models.Message), args.Error(1)
}

type SessionsMock struct {
	mock.Mock
}

func (m *SessionsMock) Current() models.Session {
	args := m.Called()
	return args.Get(0).(models.Session)
}

func (m *SessionsMock) Logout() error {
	args := m.Called()
	return args.Error(0)
}

type StorageMock struct {
	mock.Mock
}

func (m *StorageMock) Get(key string) (string, bool, error) {
	args := m.Called(key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *StorageMock) Put(key, value string) error {
	args := m.Called(key, value)
	return args.Error(0)
}

func (m *StorageMock) Delete(key string) error {
	args := m.Called(key)
	return args.Error(0)
}

type TransportMock struct {
	mock.Mock
}

func (m *TransportMock) Connect(ctx context.Context, sess models.Session) error {
	args := m.Called(ctx, sess)
	return args.Error(0)
}

func (m *TransportMock) SubscribeRoom(roomID int64, h transport.Handler) func() {
	args := m.Called(roomID, h)
	if fn, ok := args.Get(0).(func()); ok {
		return fn
	}
	return func() {}
}

func (m *TransportMock) Publish(out models.Outgoing) bool {
	args := m.Called(out)
	return args.Bool(0)
}

func (m *TransportMock) PublishTyping(roomID int64, ev models.TypingEvent) bool {
	args := m.Called(roomID, ev)
	return args.Bool(0)
}

func (m *TransportMock) Disconnect() {
	m.Called()
}

func (m *TransportMock) Connected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *TransportMock) Reconnects() <-chan struct{} {
	args := m.Called()
	ch, _ := args.Get(0).(chan struct{})
	return ch
}
