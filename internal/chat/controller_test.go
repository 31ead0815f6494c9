package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-client/internal/mocks"
	"chat-client/internal/models"
	"chat-client/internal/rest"
	"chat-client/internal/session"
	"chat-client/internal/transport"
)

const testSettle = 40 * time.Millisecond

func authFailure() error {
	return &rest.APIError{Status: 401, Message: "token rejected"}
}

func newController(api *mocks.APIMock, tr *mocks.TransportMock, sessions *mocks.SessionsMock) *Controller {
	return New(api, tr, sessions, 50, testSettle, nil)
}

func authedSessions() *mocks.SessionsMock {
	sessions := new(mocks.SessionsMock)
	sessions.On("Current").Return(models.Session{Token: "tok", DisplayName: "alice"})
	return sessions
}

func openRoom(t *testing.T, c *Controller, api *mocks.APIMock, tr *mocks.TransportMock, roomID int64, history []models.Message) {
	t.Helper()
	api.On("History", mock.Anything, roomID, 50).Return(history, nil).Once()
	tr.On("SubscribeRoom", roomID, mock.Anything).Return(func() {}).Once()
	require.NoError(t, c.OpenRoom(context.Background(), roomID))
}

func TestSendInsertsOptimisticEntrySynchronously(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())
	openRoom(t, c, api, tr, 1, nil)

	// publish succeeds: the entry must already be pending when it returns
	tr.On("Publish", mock.Anything).Run(func(args mock.Arguments) {
		msgs := c.Messages(1)
		require.Len(t, msgs, 1)
		assert.Equal(t, models.DeliveryPending, msgs[0].Delivery)
	}).Return(true).Once()

	require.NoError(t, c.Send(context.Background(), "hello"))

	msgs := c.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, models.DeliveryPending, msgs[0].Delivery)
	assert.True(t, msgs[0].Own)
	assert.NotEmpty(t, msgs[0].ClientID)
	api.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendTrimsAndIgnoresEmptyInput(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())
	openRoom(t, c, api, tr, 1, nil)

	require.NoError(t, c.Send(context.Background(), "   "))
	assert.Empty(t, c.Messages(1))
	tr.AssertNotCalled(t, "Publish", mock.Anything)
}

func TestFallbackSendRunsExactlyOnceOnDeadTransport(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())
	openRoom(t, c, api, tr, 1, nil)

	tr.On("Publish", mock.Anything).Return(false).Once()
	api.On("SendMessage", mock.Anything, int64(1), "hello", mock.Anything).
		Return(models.Message{ID: 7, RoomID: 1, Content: "hello"}, nil).Once()

	require.NoError(t, c.Send(context.Background(), "hello"))

	msgs := c.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DeliverySent, msgs[0].Delivery)
	assert.Equal(t, int64(7), msgs[0].ID)
	api.AssertExpectations(t)
}

func TestFallbackFailureMarksEntryFailed(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())
	openRoom(t, c, api, tr, 1, nil)

	tr.On("Publish", mock.Anything).Return(false).Once()
	api.On("SendMessage", mock.Anything, int64(1), "hello", mock.Anything).
		Return(models.Message{}, assert.AnError).Once()

	err := c.Send(context.Background(), "hello")
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)

	msgs := c.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DeliveryFailed, msgs[0].Delivery)
}

func TestLateEchoAfterFallbackDoesNotDuplicate(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())

	var handler transport.Handler
	api.On("History", mock.Anything, int64(1), 50).Return(nil, nil).Once()
	tr.On("SubscribeRoom", int64(1), mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(1).(transport.Handler)
	}).Return(func() {}).Once()
	require.NoError(t, c.OpenRoom(context.Background(), 1))

	tr.On("Publish", mock.Anything).Return(false).Once()
	var clientID string
	api.On("SendMessage", mock.Anything, int64(1), "hello", mock.Anything).
		Run(func(args mock.Arguments) { clientID = args.String(3) }).
		Return(models.Message{ID: 7, RoomID: 1, Content: "hello"}, nil).Once()

	require.NoError(t, c.Send(context.Background(), "hello"))

	// the broadcast copy arrives after the fallback already confirmed
	handler(models.Event{Type: models.EventMessage, RoomID: 1, Message: &models.Message{
		ID: 7, ClientID: clientID, RoomID: 1, Sender: "alice", Content: "hello",
	}})

	msgs := c.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, models.DeliverySent, msgs[0].Delivery)
}

func TestEchoConfirmsPendingEntry(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())

	var handler transport.Handler
	api.On("History", mock.Anything, int64(1), 50).Return(nil, nil).Once()
	tr.On("SubscribeRoom", int64(1), mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(1).(transport.Handler)
	}).Return(func() {}).Once()
	require.NoError(t, c.OpenRoom(context.Background(), 1))

	tr.On("Publish", mock.Anything).Return(true).Once()
	require.NoError(t, c.Send(context.Background(), "hello"))

	clientID := c.Messages(1)[0].ClientID
	handler(models.Event{Type: models.EventMessage, RoomID: 1, Message: &models.Message{
		ID: 9, ClientID: clientID, RoomID: 1, Sender: "alice", Content: "hello",
	}})

	msgs := c.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DeliverySent, msgs[0].Delivery)
	assert.Equal(t, int64(9), msgs[0].ID)
}

func TestHistoryPrecedesSubscription(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())

	history := []models.Message{{ID: 1, RoomID: 1, Sender: "bob", Content: "old"}}
	var order []string
	api.On("History", mock.Anything, int64(1), 50).Run(func(mock.Arguments) {
		order = append(order, "history")
	}).Return(history, nil).Once()
	tr.On("SubscribeRoom", int64(1), mock.Anything).Run(func(mock.Arguments) {
		order = append(order, "subscribe")
	}).Return(func() {}).Once()

	require.NoError(t, c.OpenRoom(context.Background(), 1))
	assert.Equal(t, []string{"history", "subscribe"}, order)
}

func TestSupersededRoomOpenDiscardsHistory(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())

	slowStarted := make(chan struct{})
	release := make(chan struct{})
	api.On("History", mock.Anything, int64(1), 50).Run(func(mock.Arguments) {
		close(slowStarted)
		<-release
	}).Return([]models.Message{{ID: 1, RoomID: 1, Content: "stale"}}, nil).Once()
	api.On("History", mock.Anything, int64(2), 50).Return(nil, nil).Once()
	tr.On("SubscribeRoom", int64(2), mock.Anything).Return(func() {}).Once()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.OpenRoom(context.Background(), 1)
	}()
	<-slowStarted

	require.NoError(t, c.OpenRoom(context.Background(), 2))
	close(release)
	wg.Wait()

	// the stale room-1 history never lands, and room 1 is never subscribed
	assert.Empty(t, c.Messages(1))
	tr.AssertNotCalled(t, "SubscribeRoom", int64(1), mock.Anything)
}

func TestOpenRoomReleasesPreviousSubscription(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())

	released := false
	api.On("History", mock.Anything, int64(1), 50).Return(nil, nil).Once()
	tr.On("SubscribeRoom", int64(1), mock.Anything).Return(func() { released = true }).Once()
	require.NoError(t, c.OpenRoom(context.Background(), 1))

	api.On("History", mock.Anything, int64(2), 50).Return(nil, nil).Once()
	tr.On("SubscribeRoom", int64(2), mock.Anything).Return(func() {}).Once()
	require.NoError(t, c.OpenRoom(context.Background(), 2))

	assert.True(t, released)
}

func TestLogoutDisconnectsBeforeClearingSession(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	sessions := authedSessions()
	c := newController(api, tr, sessions)

	var order []string
	tr.On("Disconnect").Run(func(mock.Arguments) {
		order = append(order, "disconnect")
	}).Once()
	sessions.On("Logout").Run(func(mock.Arguments) {
		order = append(order, "logout")
	}).Return(nil).Once()

	require.NoError(t, c.Logout())
	assert.Equal(t, []string{"disconnect", "logout"}, order)
}

func TestTypingSignalsDebounced(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())
	openRoom(t, c, api, tr, 1, nil)

	var mu sync.Mutex
	var signals []bool
	tr.On("PublishTyping", int64(1), mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		signals = append(signals, args.Get(1).(models.TypingEvent).Active)
		mu.Unlock()
	}).Return(true)

	for i := 0; i < 4; i++ {
		c.Keystroke()
	}
	time.Sleep(testSettle * 4)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, signals)
}

func TestSendStopsTypingImmediately(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())
	openRoom(t, c, api, tr, 1, nil)

	var mu sync.Mutex
	var signals []bool
	tr.On("PublishTyping", int64(1), mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		signals = append(signals, args.Get(1).(models.TypingEvent).Active)
		mu.Unlock()
	}).Return(true)
	tr.On("Publish", mock.Anything).Return(true).Once()

	c.Keystroke()
	require.NoError(t, c.Send(context.Background(), "hello"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, signals)
}

func TestTypingEventsTrackOtherUsers(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())

	var handler transport.Handler
	api.On("History", mock.Anything, int64(1), 50).Return(nil, nil).Once()
	tr.On("SubscribeRoom", int64(1), mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(1).(transport.Handler)
	}).Return(func() {}).Once()
	require.NoError(t, c.OpenRoom(context.Background(), 1))

	handler(models.Event{Type: models.EventTyping, RoomID: 1, Typing: &models.TypingEvent{User: "bob", Active: true}})
	assert.Equal(t, []string{"bob"}, c.TypingUsers())

	// own echoes are ignored
	handler(models.Event{Type: models.EventTyping, RoomID: 1, Typing: &models.TypingEvent{User: "alice", Active: true}})
	assert.Equal(t, []string{"bob"}, c.TypingUsers())

	handler(models.Event{Type: models.EventTyping, RoomID: 1, Typing: &models.TypingEvent{User: "bob", Active: false}})
	assert.Empty(t, c.TypingUsers())
}

func TestPushUpdatesRoomLastMessage(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())

	api.On("ListRooms", mock.Anything).Return([]models.Room{{ID: 1, Name: "General"}}, nil).Once()
	c.Rooms(context.Background())

	var handler transport.Handler
	api.On("History", mock.Anything, int64(1), 50).Return(nil, nil).Once()
	tr.On("SubscribeRoom", int64(1), mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(1).(transport.Handler)
	}).Return(func() {}).Once()
	require.NoError(t, c.OpenRoom(context.Background(), 1))

	handler(models.Event{Type: models.EventMessage, RoomID: 1, Message: &models.Message{
		ID: 5, RoomID: 1, Sender: "bob", Content: "newest",
	}})

	// refresh fails, so the cached list with its last-message update is kept
	api.On("ListRooms", mock.Anything).Return(nil, assert.AnError).Once()
	rooms := c.Rooms(context.Background())
	require.Len(t, rooms, 1)
	require.NotNil(t, rooms[0].LastMessage)
	assert.Equal(t, "newest", rooms[0].LastMessage.Content)
}

func TestRoomsFallsBackToGeneral(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())

	api.On("ListRooms", mock.Anything).Return(nil, assert.AnError).Once()
	rooms := c.Rooms(context.Background())
	require.Len(t, rooms, 1)
	assert.Equal(t, int64(1), rooms[0].ID)
	assert.Equal(t, "General", rooms[0].Name)
}

func TestStartRejectedTokenClearsSession(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	sessions := authedSessions()
	c := newController(api, tr, sessions)

	api.On("Me", mock.Anything).Return("", authFailure()).Once()
	sessions.On("Logout").Return(nil).Once()

	err := c.Start(context.Background())
	var authErr *session.AuthError
	require.ErrorAs(t, err, &authErr)
	sessions.AssertCalled(t, "Logout")
	tr.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
}

func TestDegradedStartHealsWhenTransportReconnects(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())

	reconnects := make(chan struct{}, 1)
	api.On("Me", mock.Anything).Return("alice", nil).Once()
	tr.On("Connect", mock.Anything, mock.Anything).
		Return(&transport.ConnectionError{Reason: "handshake failed", Err: assert.AnError}).Once()
	tr.On("Reconnects").Return(reconnects)

	err := c.Start(context.Background())
	var connErr *transport.ConnectionError
	require.ErrorAs(t, err, &connErr)

	openRoom(t, c, api, tr, 1, nil)

	// the transport's background retry lands; the watcher reopens the
	// active room from history
	refetched := make(chan struct{})
	api.On("History", mock.Anything, int64(1), 50).Run(func(mock.Arguments) {
		close(refetched)
	}).Return(nil, nil).Once()
	tr.On("SubscribeRoom", int64(1), mock.Anything).Return(func() {}).Once()
	reconnects <- struct{}{}

	select {
	case <-refetched:
	case <-time.After(2 * time.Second):
		t.Fatal("active room was not reopened after the reconnect")
	}
}

func TestStartWithoutSessionIsAuthError(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	sessions := new(mocks.SessionsMock)
	sessions.On("Current").Return(models.Session{})
	c := newController(api, tr, sessions)

	err := c.Start(context.Background())
	var authErr *session.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestRetryFailedMessage(t *testing.T) {
	api := new(mocks.APIMock)
	tr := new(mocks.TransportMock)
	c := newController(api, tr, authedSessions())
	openRoom(t, c, api, tr, 1, nil)

	tr.On("Publish", mock.Anything).Return(false).Once()
	api.On("SendMessage", mock.Anything, int64(1), "hello", mock.Anything).
		Return(models.Message{}, assert.AnError).Once()
	_ = c.Send(context.Background(), "hello")

	clientID := c.Messages(1)[0].ClientID
	require.NotEmpty(t, clientID)

	tr.On("Publish", mock.Anything).Return(false).Once()
	api.On("SendMessage", mock.Anything, int64(1), "hello", clientID).
		Return(models.Message{ID: 7, RoomID: 1, Content: "hello"}, nil).Once()

	require.NoError(t, c.Retry(context.Background(), clientID))

	msgs := c.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DeliverySent, msgs[0].Delivery)
}
