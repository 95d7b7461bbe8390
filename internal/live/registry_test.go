package live

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	userID := uuid.New()

	r.Register(userID, "conn-1")
	r.Register(userID, "conn-2")

	assert.True(t, r.Connected(userID))
	assert.ElementsMatch(t, []string{"conn-1", "conn-2"}, r.ConnectionsFor(userID))

	got, ok := r.UserOf("conn-1")
	require.True(t, ok)
	assert.Equal(t, userID, got)

	t.Run("room binding", func(t *testing.T) {
		require.True(t, r.BindRoom("conn-1", "room-a"))
		roomID, ok := r.RoomOf("conn-1")
		require.True(t, ok)
		assert.Equal(t, "room-a", roomID)

		_, ok = r.RoomOf("conn-2")
		assert.False(t, ok)

		r.UnbindRoom("conn-1")
		_, ok = r.RoomOf("conn-1")
		assert.False(t, ok)
	})

	t.Run("unregister", func(t *testing.T) {
		require.True(t, r.BindRoom("conn-2", "room-a"))
		gotUser, gotRoom, ok := r.Unregister("conn-2")
		require.True(t, ok)
		assert.Equal(t, userID, gotUser)
		assert.Equal(t, "room-a", gotRoom)

		// one connection left
		assert.True(t, r.Connected(userID))

		_, _, ok = r.Unregister("conn-1")
		require.True(t, ok)
		assert.False(t, r.Connected(userID))
		assert.Nil(t, r.ConnectionsFor(userID))
	})

	t.Run("unknown connection", func(t *testing.T) {
		_, _, ok := r.Unregister("nope")
		assert.False(t, ok)
		assert.False(t, r.BindRoom("nope", "room-a"))
		_, ok = r.UserOf("nope")
		assert.False(t, ok)
	})
}
