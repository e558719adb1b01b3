package delta_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/won21kr/ApertusVR/shared/delta"
)

type params struct {
	Radius float64
	TileX  float64
}

func serialize(t *testing.T, ctx *delta.SerializationContext, vars ...any) (delta.Frame, bool) {
	t.Helper()
	for _, v := range vars {
		ctx.SerializeVariable(v)
	}
	frame, changed, err := ctx.EndSerialize()
	require.NoError(t, err)
	return frame, changed
}

func TestIdenticalSerialize(t *testing.T) {
	t.Run("first pass writes every variable", func(t *testing.T) {
		var s delta.Serializer
		frame, changed := serialize(t, s.BeginIdenticalSerialize(true), params{Radius: 1}, "node", "mat")
		require.True(t, changed)

		ctx, err := delta.BeginDeserialize(frame)
		require.NoError(t, err)
		var p params
		var node, mat string
		ok, err := ctx.DeserializeVariable(&p)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = ctx.DeserializeVariable(&node)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = ctx.DeserializeVariable(&mat)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, ctx.EndDeserialize())
		assert.Equal(t, params{Radius: 1}, p)
		assert.Equal(t, "node", node)
		assert.Equal(t, "mat", mat)
	})
	t.Run("unchanged pass produces no frame", func(t *testing.T) {
		var s delta.Serializer
		serialize(t, s.BeginIdenticalSerialize(true), params{Radius: 1}, "node", "mat")
		frame, changed := serialize(t, s.BeginIdenticalSerialize(false), params{Radius: 1}, "node", "mat")
		assert.False(t, changed)
		assert.Nil(t, frame)
	})
	t.Run("only changed variables are written", func(t *testing.T) {
		var s delta.Serializer
		serialize(t, s.BeginIdenticalSerialize(true), params{Radius: 1}, "node", "mat")
		frame, changed := serialize(t, s.BeginIdenticalSerialize(false), params{Radius: 1}, "other", "mat")
		require.True(t, changed)

		ctx, err := delta.BeginDeserialize(frame)
		require.NoError(t, err)
		var p params
		var node, mat string
		ok, err := ctx.DeserializeVariable(&p)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = ctx.DeserializeVariable(&node)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = ctx.DeserializeVariable(&mat)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, ctx.EndDeserialize())
		assert.Equal(t, "other", node)
		assert.Empty(t, mat)
	})
	t.Run("force rewrites unchanged variables", func(t *testing.T) {
		var s delta.Serializer
		serialize(t, s.BeginIdenticalSerialize(true), "a")
		_, changed := serialize(t, s.BeginIdenticalSerialize(true), "a")
		assert.True(t, changed)
	})
	t.Run("full pass leaves history alone", func(t *testing.T) {
		var s delta.Serializer
		serialize(t, s.BeginIdenticalSerialize(true), "a")
		_, changed := serialize(t, s.BeginFullSerialize(), "b")
		assert.True(t, changed)
		_, changed = serialize(t, s.BeginIdenticalSerialize(false), "a")
		assert.False(t, changed)
	})
	t.Run("free history resends everything", func(t *testing.T) {
		var s delta.Serializer
		serialize(t, s.BeginIdenticalSerialize(true), "a")
		s.FreeVariableHistory()
		_, changed := serialize(t, s.BeginIdenticalSerialize(false), "a")
		assert.True(t, changed)
	})
}

func TestSerializeLimits(t *testing.T) {
	t.Run("too many variables", func(t *testing.T) {
		var s delta.Serializer
		ctx := s.BeginIdenticalSerialize(true)
		for i := 0; i <= delta.MaxVariables; i++ {
			ctx.SerializeVariable(i)
		}
		_, _, err := ctx.EndSerialize()
		assert.ErrorIs(t, err, delta.ErrTooManyVariables)
	})
	t.Run("ending twice", func(t *testing.T) {
		var s delta.Serializer
		ctx := s.BeginIdenticalSerialize(true)
		ctx.SerializeVariable(1)
		_, _, err := ctx.EndSerialize()
		require.NoError(t, err)
		_, _, err = ctx.EndSerialize()
		assert.ErrorIs(t, err, delta.ErrContextEnded)
	})
}

func TestDeserializeErrors(t *testing.T) {
	t.Run("empty frame", func(t *testing.T) {
		_, err := delta.BeginDeserialize(nil)
		assert.ErrorIs(t, err, delta.ErrEmptyFrame)
	})
	t.Run("unread variables", func(t *testing.T) {
		var s delta.Serializer
		frame, _ := serialize(t, s.BeginIdenticalSerialize(true), "a", "b")
		ctx, err := delta.BeginDeserialize(frame)
		require.NoError(t, err)
		var a string
		_, err = ctx.DeserializeVariable(&a)
		require.NoError(t, err)
		assert.ErrorIs(t, ctx.EndDeserialize(), delta.ErrUnreadVariables)
	})
	t.Run("trailing bytes", func(t *testing.T) {
		var s delta.Serializer
		frame, _ := serialize(t, s.BeginIdenticalSerialize(true), "a")
		ctx, err := delta.BeginDeserialize(append(frame, 0xc0))
		require.NoError(t, err)
		var a string
		ok, err := ctx.DeserializeVariable(&a)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.ErrorIs(t, ctx.EndDeserialize(), delta.ErrTrailingBytes)
	})
	t.Run("truncated frame", func(t *testing.T) {
		var s delta.Serializer
		frame, _ := serialize(t, s.BeginIdenticalSerialize(true), "a long enough string")
		ctx, err := delta.BeginDeserialize(frame[:len(frame)-4])
		require.NoError(t, err)
		var a string
		_, err = ctx.DeserializeVariable(&a)
		assert.Error(t, err)
	})
}

func TestUnreliableAckedSerialize(t *testing.T) {
	const remote = delta.RemoteID("peer")

	t.Run("histories are per remote", func(t *testing.T) {
		var s delta.Serializer
		_, changed := serialize(t, s.BeginUnreliableAckedSerialize(remote, 1, false), "a")
		assert.True(t, changed)
		_, changed = serialize(t, s.BeginUnreliableAckedSerialize(remote, 2, false), "a")
		assert.False(t, changed)
		_, changed = serialize(t, s.BeginUnreliableAckedSerialize("other", 3, false), "a")
		assert.True(t, changed)
		assert.Equal(t, []delta.RemoteID{"other", "peer"}, s.Remotes())
	})
	t.Run("lost send is resent", func(t *testing.T) {
		var s delta.Serializer
		serialize(t, s.BeginUnreliableAckedSerialize(remote, 1, false), "a", "b")
		assert.Equal(t, []delta.Receipt{1}, s.InFlight(remote))

		s.OnMessageReceipt(remote, 1, false)
		assert.Empty(t, s.InFlight(remote))

		frame, changed := serialize(t, s.BeginUnreliableAckedSerialize(remote, 2, false), "a", "b")
		require.True(t, changed)
		ctx, err := delta.BeginDeserialize(frame)
		require.NoError(t, err)
		assert.True(t, ctx.Changed(0))
		assert.True(t, ctx.Changed(1))
	})
	t.Run("delivered send is not resent", func(t *testing.T) {
		var s delta.Serializer
		serialize(t, s.BeginUnreliableAckedSerialize(remote, 1, false), "a")
		s.OnMessageReceipt(remote, 1, true)
		_, changed := serialize(t, s.BeginUnreliableAckedSerialize(remote, 2, false), "a")
		assert.False(t, changed)
	})
	t.Run("loss of a superseded value keeps the newer one", func(t *testing.T) {
		var s delta.Serializer
		serialize(t, s.BeginUnreliableAckedSerialize(remote, 1, false), "a")
		serialize(t, s.BeginUnreliableAckedSerialize(remote, 2, false), "b")
		s.OnMessageReceipt(remote, 1, false)
		_, changed := serialize(t, s.BeginUnreliableAckedSerialize(remote, 3, false), "b")
		assert.False(t, changed)
	})
	t.Run("in flight sends are bounded", func(t *testing.T) {
		var s delta.Serializer
		for i := 0; i <= delta.MaxInFlight; i++ {
			serialize(t, s.BeginUnreliableAckedSerialize(remote, delta.Receipt(i+1), false), i)
		}
		assert.Len(t, s.InFlight(remote), delta.MaxInFlight)
	})
	t.Run("removed remote starts over", func(t *testing.T) {
		var s delta.Serializer
		serialize(t, s.BeginUnreliableAckedSerialize(remote, 1, false), "a")
		s.RemoveRemoteSystem(remote)
		assert.Empty(t, s.Remotes())
		_, changed := serialize(t, s.BeginUnreliableAckedSerialize(remote, 2, false), "a")
		assert.True(t, changed)
	})
	t.Run("unknown receipt is ignored", func(t *testing.T) {
		var s delta.Serializer
		s.OnMessageReceipt(remote, 9, false)
		serialize(t, s.BeginUnreliableAckedSerialize(remote, 1, false), "a")
		s.OnMessageReceipt(remote, 9, false)
		assert.Equal(t, []delta.Receipt{1}, s.InFlight(remote))
	})
}

func TestCanonicalMaps(t *testing.T) {
	var s delta.Serializer
	m := map[string]int{"a": 1, "b": 2, "c": 3, "d": 4}
	serialize(t, s.BeginIdenticalSerialize(true), m)
	for range 10 {
		_, changed := serialize(t, s.BeginIdenticalSerialize(false), map[string]int{"d": 4, "c": 3, "b": 2, "a": 1})
		assert.False(t, changed)
	}
}
