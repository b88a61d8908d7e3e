package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// TestDeliverer is a mock deliverer for testing
type TestDeliverer struct {
	mock.Mock
}

func (td *TestDeliverer) Deliver(ctx context.Context, n Notification) error {
	args := td.Called(ctx, n)
	return args.Error(0)
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	require.NoError(t, r.Register(ChannelEmail, NoOpDeliverer{}))
	require.ErrorIs(t, r.Register(ChannelEmail, NoOpDeliverer{}), ErrChannelAlreadyRegistered)
	require.ErrorIs(t, r.Register("Bad Name", NoOpDeliverer{}), ErrInvalidChannel)
	require.ErrorIs(t, r.Register(ChannelChat, nil), ErrDelivererNil)

	r.MustRegister("sms", NoOpDeliverer{}).MustRegister(ChannelInApp, NoOpDeliverer{})
	assert.Equal(t, []Channel{ChannelEmail, ChannelInApp, "sms"}, r.Channels())

	_, ok := r.Lookup("sms")
	assert.True(t, ok)
	_, ok = r.Lookup(ChannelChat)
	assert.False(t, ok)

	assert.Panics(t, func() { r.MustRegister(ChannelEmail, NoOpDeliverer{}) })
}

func TestRegistry_Deliver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("routes by channel", func(t *testing.T) {
		t.Parallel()

		email := new(TestDeliverer)
		chat := new(TestDeliverer)
		n := Notification{ID: "n1", Channel: ChannelEmail}
		email.On("Deliver", mock.Anything, n).Return(nil).Once()

		r := NewRegistry().MustRegister(ChannelEmail, email).MustRegister(ChannelChat, chat)
		require.NoError(t, r.Deliver(ctx, n))

		email.AssertExpectations(t)
		chat.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
	})

	t.Run("wraps deliverer errors", func(t *testing.T) {
		t.Parallel()

		cause := errors.New("smtp timeout")
		d := new(TestDeliverer)
		d.On("Deliver", mock.Anything, mock.Anything).Return(cause)

		err := NewRegistry().MustRegister(ChannelEmail, d).Deliver(ctx, Notification{Channel: ChannelEmail})
		require.ErrorIs(t, err, ErrDelivery)
		require.ErrorIs(t, err, cause)
		assert.False(t, IsPermanent(err))
	})

	t.Run("keeps permanent marker", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry().MustRegister(ChannelEmail, DelivererFunc(func(context.Context, Notification) error {
			return errors.Join(ErrPermanentDelivery, errors.New("invalid address"))
		}))
		err := r.Deliver(ctx, Notification{Channel: ChannelEmail})
		require.ErrorIs(t, err, ErrDelivery)
		assert.True(t, IsPermanent(err))
	})

	t.Run("unregistered channel is permanent", func(t *testing.T) {
		t.Parallel()

		err := NewRegistry().Deliver(ctx, Notification{Channel: "sms"})
		require.ErrorIs(t, err, ErrChannelNotRegistered)
		require.ErrorIs(t, err, ErrDelivery)
		assert.True(t, IsPermanent(err))
	})

	t.Run("recovers panics", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry().MustRegister(ChannelChat, DelivererFunc(func(context.Context, Notification) error {
			panic("nil webhook client")
		}))
		var err error
		require.NotPanics(t, func() {
			err = r.Deliver(ctx, Notification{Channel: ChannelChat})
		})
		require.ErrorIs(t, err, ErrDelivery)
		assert.Contains(t, err.Error(), "nil webhook client")
	})
}

func TestNoOpDeliverer(t *testing.T) {
	t.Parallel()
	assert.NoError(t, NoOpDeliverer{}.Deliver(context.Background(), Notification{}))
}
