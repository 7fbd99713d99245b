package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/actiontoken"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/repo"
)

type fakeDirectory struct {
	users []domain.User
}

func (f fakeDirectory) GetUserByEmail(_ context.Context, email string) (domain.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, repo.ErrNotFound
}

func (f fakeDirectory) UsersBySiteRole(_ context.Context, site, role string) ([]domain.User, error) {
	var out []domain.User
	for _, u := range f.users {
		if u.Site == site && u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

var dir = fakeDirectory{users: []domain.User{
	{ID: "17", Name: "Kavya", Email: "kavya@example.com", Site: "NDS", Role: "CTSD"},
	{ID: "18", Name: "Anil", Email: "anil@example.com", Site: "NDS", Role: "CTSD"},
	{ID: "42", Name: "Rajesh", Email: "rajesh@example.com", Site: "NDS", Role: "IL"},
}}

func sampleNotification() Notification {
	return Notification{
		ID:         "n-1",
		Kind:       KindAssigned,
		Initiative: domain.Initiative{ID: "I1", Title: "Reduce steam loss", Site: "NDS"},
		Next:       domain.StageTransaction{ID: "t-2", StageNumber: 2, StageName: "Evaluation", Site: "NDS", RequiredRole: "CTSD", PendingWith: "CTSD"},
		Actor:      "Kavya",
		Recipients: []Recipient{{Email: "kavya@example.com"}},
	}
}

func TestBuildRoleRecipientsWithTokens(t *testing.T) {
	tokens := actiontoken.NewMemoryStore(10, time.Hour)
	next := domain.StageTransaction{ID: "t-2", StageNumber: 2, Site: "NDS", RequiredRole: "CTSD", PendingWith: "CTSD"}
	n, err := Build(context.Background(), dir, tokens, BuildOptions{Next: next, Actor: "system"})
	require.NoError(t, err)
	assert.Equal(t, KindAssigned, n.Kind)
	require.Len(t, n.Recipients, 2)
	for _, r := range n.Recipients {
		require.NotEmpty(t, r.ActionToken)
		c, err := tokens.Redeem(context.Background(), r.ActionToken)
		require.NoError(t, err)
		assert.Equal(t, "t-2", c.TransactionID)
		assert.Equal(t, r.UserID, c.UserID)
	}
}

func TestBuildUserRecipient(t *testing.T) {
	next := domain.StageTransaction{ID: "t-4", StageNumber: 4, Site: "NDS", RequiredRole: "IL", PendingWith: "rajesh@example.com"}
	n, err := Build(context.Background(), dir, nil, BuildOptions{Next: next})
	require.NoError(t, err)
	require.Len(t, n.Recipients, 1)
	assert.Equal(t, "42", n.Recipients[0].UserID)
	assert.Empty(t, n.Recipients[0].ActionToken)

	next.PendingWith = "outsider@example.com"
	n, err = Build(context.Background(), dir, nil, BuildOptions{Next: next})
	require.NoError(t, err)
	require.Len(t, n.Recipients, 1)
	assert.Equal(t, "outsider@example.com", n.Recipients[0].Email)
	assert.Empty(t, n.Recipients[0].UserID)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, KindAssigned, r.Header.Get("X-Stageline-Event"))
		assert.Equal(t, "s3cret", r.Header.Get("X-Stageline-Secret"))
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var got Notification
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "I1", got.Initiative.ID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(config.WebhookConfig{URL: srv.URL, Secret: "s3cret"})
	d.InitialInterval = time.Millisecond
	require.NoError(t, d.Notify(context.Background(), sampleNotification()))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestWebhookClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(config.WebhookConfig{URL: srv.URL})
	d.InitialInterval = time.Millisecond
	err := d.Notify(context.Background(), sampleNotification())
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestBusDispatcherPublishes(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 4}, watermill.NopLogger{})
	defer ps.Close()
	msgs, err := ps.Subscribe(context.Background(), "topic")
	require.NoError(t, err)

	require.NoError(t, BusDispatcher{Publisher: ps, Topic: "topic"}.Notify(context.Background(), sampleNotification()))
	select {
	case msg := <-msgs:
		msg.Ack()
		assert.Equal(t, KindAssigned, msg.Metadata.Get(metadataKind))
		assert.Equal(t, "I1", msg.Metadata.Get(metadataInitiative))
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

type failing struct{}

func (failing) Notify(context.Context, Notification) error { return errors.New("boom") }

func TestMultiJoinsErrors(t *testing.T) {
	var seen int
	counting := dispatcherFunc(func(context.Context, Notification) error { seen++; return nil })
	err := Multi{failing{}, counting, nil}.Notify(context.Background(), sampleNotification())
	require.Error(t, err)
	assert.Equal(t, 1, seen)
}

type dispatcherFunc func(context.Context, Notification) error

func (f dispatcherFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

func TestFromConfigDefault(t *testing.T) {
	d, bus, err := FromConfig(config.Default(), nil)
	require.NoError(t, err)
	defer bus.Close()
	multi, ok := d.(Multi)
	require.True(t, ok)
	require.Len(t, multi, 1)
	assert.IsType(t, BusDispatcher{}, multi[0])
	assert.NotNil(t, bus.Subscriber)
	assert.NotNil(t, bus.Deliver)
}

func TestBusConsumeDeliversPublished(t *testing.T) {
	cfg := config.Default()
	bus, err := NewBus(cfg, nil)
	require.NoError(t, err)
	defer bus.Close()

	var got []Notification
	bus.Deliver = dispatcherFunc(func(_ context.Context, n Notification) error {
		got = append(got, n)
		return errors.New("smtp down")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Consume(ctx, nil))

	pub := BusDispatcher{Publisher: bus.Publisher, Topic: bus.Topic}
	require.NoError(t, pub.Notify(ctx, sampleNotification()))
	require.NoError(t, pub.Notify(ctx, sampleNotification()))

	// publishing blocks until the consumer acks
	require.Len(t, got, 2)
	assert.Equal(t, "I1", got[0].Initiative.ID)
	assert.Equal(t, KindAssigned, got[1].Kind)
}

func TestFromConfigWithoutBusKeepsDirectDispatchers(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.Bus.Driver = ""
	d, bus, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	defer bus.Close()
	multi, ok := d.(Multi)
	require.True(t, ok)
	require.Len(t, multi, 1)
	assert.IsType(t, LogDispatcher{}, multi[0])
	assert.Nil(t, bus.Deliver)
	require.NoError(t, bus.Consume(context.Background(), nil))
}
