package frontend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezzanine-av/mezzanine/errors"
)

func validMessage(id string) Message {
	return Message{ID: id, Type: TypeInfo, Code: "code", Message: "hello", Timeout: 5}
}

func TestBusValidation(t *testing.T) {
	b := NewBus()

	cases := []Message{
		{},
		{ID: "x", Type: TypeInfo, Code: "c"},                                // missing message
		{ID: "x", Type: "fatal", Code: "c", Message: "m"},                   // bad type
		{ID: "x", Type: TypeInfo, Code: "c", Message: "m", Timeout: -1},     // negative timeout
		{Type: TypeInfo, Code: "c", Message: "m"},                           // missing id
	}
	for _, m := range cases {
		err := b.Add(m)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidMessage))
	}

	// Timeout 0 is valid: persistent message.
	assert.NoError(t, b.Add(Message{ID: "p", Type: TypeStatus, Code: "c", Message: "m", Timeout: 0}))
}

func TestBusAddDeduplicates(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.Add(validMessage("a")))

	dup := validMessage("a")
	dup.Message = "changed"
	require.NoError(t, b.Add(dup))

	all := b.ReadAll()
	require.Len(t, all, 1)
	assert.Equal(t, "hello", all[0].Message)
}

func TestBusUpdateReplaces(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.Add(validMessage("a")))

	updated := validMessage("a")
	updated.Message = "changed"
	require.NoError(t, b.Update(updated))
	require.NoError(t, b.Update(updated)) // idempotent

	all := b.ReadAll()
	require.Len(t, all, 1)
	assert.Equal(t, "changed", all[0].Message)

	// Update of an absent id inserts.
	require.NoError(t, b.Update(validMessage("b")))
	assert.Len(t, b.ReadAll(), 2)
}

func TestBusRemoveIdempotent(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.Add(validMessage("a")))

	b.Remove("a")
	b.Remove("a")
	b.Remove("never-existed")
	assert.Empty(t, b.ReadAll())
}

func TestBusReadAllDoesNotDrain(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.Add(validMessage("a")))
	require.NoError(t, b.Add(validMessage("b")))

	first := b.ReadAll()
	second := b.ReadAll()
	assert.Equal(t, first, second)
	require.Len(t, second, 2)
	// Insertion order preserved.
	assert.Equal(t, "a", second[0].ID)
	assert.Equal(t, "b", second[1].ID)
}

func TestBusWatch(t *testing.T) {
	b := NewBus()
	watch := b.Watch()
	defer b.Unwatch(watch)

	require.NoError(t, b.Add(validMessage("a")))
	select {
	case <-watch:
	default:
		t.Fatal("watcher not notified on add")
	}

	b.Remove("a")
	select {
	case <-watch:
	default:
		t.Fatal("watcher not notified on remove")
	}
}
