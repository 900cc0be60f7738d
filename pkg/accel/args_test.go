package accel

import (
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestList() *ArgumentList {
	l := &ArgumentList{}
	l.reset()
	return l
}

func TestArgumentList_Scalar(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  ScalarArg
	}{
		{"uint32", uint32(42), ScalarArg{Value: 42, Width: 4}},
		{"int32 negative", int32(-1), ScalarArg{Value: 0xFFFF_FFFF, Width: 4}},
		{"uint64", uint64(1 << 40), ScalarArg{Value: 1 << 40, Width: 8}},
		{"int64 negative", int64(-2), ScalarArg{Value: math.MaxUint64 - 1, Width: 8}},
		{"float32", float32(1.5), ScalarArg{Value: uint64(math.Float32bits(1.5)), Width: 4}},
		{"float64", 2.25, ScalarArg{Value: math.Float64bits(2.25), Width: 8}},
		{"int", 7, ScalarArg{Value: 7, Width: int(unsafe.Sizeof(int(0)))}},
		{"array of 4 bytes", [4]byte{1, 2, 3, 4}, ScalarArg{Value: 0x04030201, Width: 4}},
		{"struct of two uint16", struct{ A, B uint16 }{1, 2}, ScalarArg{Value: 0x0002_0001, Width: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestList()
			require.NoError(t, l.Scalar(tt.value))
			assert.Equal(t, []Descriptor{tt.want}, l.Descriptors())
		})
	}
}

// Only values of exactly 4 or 8 bytes fit an argument register.
func TestArgumentList_ScalarSizeGate(t *testing.T) {
	values := []any{
		[1]byte{}, [2]byte{}, [3]byte{}, [4]byte{},
		[5]byte{}, [6]byte{}, [7]byte{}, [8]byte{},
	}
	for i, v := range values {
		size := i + 1
		l := newTestList()
		err := l.Scalar(v)
		if size == 4 || size == 8 {
			assert.NoError(t, err, "size %d", size)
			continue
		}
		assert.ErrorIs(t, err, ErrUnsupportedArgumentSize, "size %d", size)
		assert.Zero(t, l.Len())
	}

	for _, v := range []any{uint8(1), int16(2), true, [16]byte{}, struct{ A int }{1}} {
		assert.ErrorIs(t, newTestList().Scalar(v), ErrUnsupportedArgumentSize, "%T", v)
	}
}

func TestArgumentList_RejectsPointers(t *testing.T) {
	x := uint32(1)
	for _, v := range []any{&x, unsafe.Pointer(&x), (*uint64)(nil)} {
		l := newTestList()
		assert.ErrorIs(t, l.Scalar(v), ErrBarePointerNotAllowed, "%T", v)
		assert.ErrorIs(t, l.Append(v), ErrBarePointerNotAllowed, "%T", v)
	}

	for _, v := range []any{"string", map[int]int{}, nil} {
		assert.ErrorIs(t, newTestList().Scalar(v), ErrInvalidArgument, "%T", v)
	}
}

func TestArgumentList_Annotations(t *testing.T) {
	t.Run("apply to the next buffer only", func(t *testing.T) {
		l := newTestList()
		a, b := make([]byte, 4), make([]byte, 4)
		require.NoError(t, l.OutOnly().Buffer(a))
		require.NoError(t, l.Buffer(b))

		descs := l.Descriptors()
		require.Len(t, descs, 2)
		assert.Equal(t, FromDevice, descs[0].(BufferArg).Direction)
		assert.Equal(t, Bidirectional, descs[1].(BufferArg).Direction)
		assert.True(t, descs[1].(BufferArg).FreeAfterUse)
	})

	t.Run("reset after a failed append", func(t *testing.T) {
		l := newTestList()
		assert.ErrorIs(t, l.InOnly().Local().Buffer(nil), ErrInvalidArgument)
		require.NoError(t, l.Buffer(make([]byte, 8)))
		arg := l.Descriptors()[0].(BufferArg)
		assert.Equal(t, Bidirectional, arg.Direction)
		assert.False(t, arg.Local)

		assert.ErrorIs(t, l.KeepAfterUse().Scalar(uint8(1)), ErrInvalidArgument)
		require.NoError(t, l.Buffer(make([]byte, 8)))
		assert.True(t, l.Descriptors()[1].(BufferArg).FreeAfterUse)
	})

	t.Run("combined flags", func(t *testing.T) {
		l := newTestList()
		require.NoError(t, l.InOnly().Local().Buffer(make([]byte, 4)))
		require.NoError(t, l.OutOnly().KeepAfterUse().Buffer(make([]byte, 4)))
		require.NoError(t, l.InOnly().OutOnly().Buffer(make([]byte, 4)))

		descs := l.Descriptors()
		assert.Equal(t, BufferArg{Host: make([]byte, 4), Direction: ToDevice, FreeAfterUse: true, Local: true}, descs[0])
		assert.Equal(t, BufferArg{Host: make([]byte, 4), Direction: FromDevice}, descs[1])
		assert.Equal(t, Direction(0), descs[2].(BufferArg).Direction)
	})

	t.Run("keep is not allowed on local memory", func(t *testing.T) {
		assert.ErrorIs(t, newTestList().Local().KeepAfterUse().Buffer(make([]byte, 4)), ErrInvalidArgument)
	})

	t.Run("annotations on scalars and addresses are rejected", func(t *testing.T) {
		assert.ErrorIs(t, newTestList().InOnly().Scalar(uint32(1)), ErrInvalidArgument)
		assert.ErrorIs(t, newTestList().Local().DeviceAddress(0x40), ErrInvalidArgument)
	})
}

func TestArgumentList_At(t *testing.T) {
	t.Run("buffer at fixed address", func(t *testing.T) {
		l := newTestList()
		buf := make([]byte, 8)
		require.NoError(t, l.At(0x1000).Buffer(buf))
		assert.Equal(t, BufferArg{Host: buf, Direction: Bidirectional, Fixed: true, Addr: 0x1000}, l.Descriptors()[0])
	})

	t.Run("conflicting annotations", func(t *testing.T) {
		buf := make([]byte, 8)
		assert.ErrorIs(t, newTestList().At(0x1000).InOnly().Buffer(buf), ErrInvalidArgument)
		assert.ErrorIs(t, newTestList().OutOnly().At(0x1000).Buffer(buf), ErrInvalidArgument)
		assert.ErrorIs(t, newTestList().At(0x1000).KeepAfterUse().Buffer(buf), ErrInvalidArgument)
		assert.ErrorIs(t, newTestList().At(0x1000).Local().Buffer(buf), ErrInvalidArgument)
	})

	t.Run("scalar cannot be placed", func(t *testing.T) {
		assert.ErrorIs(t, newTestList().At(0x1000).Scalar(uint64(1)), ErrInvalidArgument)
	})
}

func TestArgumentList_ReturnCapture(t *testing.T) {
	t.Run("first and only once", func(t *testing.T) {
		var r uint64
		l := newTestList()
		require.NoError(t, l.ReturnCapture(&r))
		require.NoError(t, l.Scalar(uint64(1)))
		assert.ErrorIs(t, l.ReturnCapture(&r), ErrInvalidArgument)

		require.NotNil(t, l.ret())
		assert.Same(t, &r, l.ret().Target)
		assert.Equal(t, 2, l.Len())
	})

	t.Run("not after another argument", func(t *testing.T) {
		var r uint32
		l := newTestList()
		require.NoError(t, l.Scalar(uint32(1)))
		assert.ErrorIs(t, l.ReturnCapture(&r), ErrInvalidArgument)
		assert.Nil(t, l.ret())
	})

	t.Run("target validation", func(t *testing.T) {
		var big [16]byte
		var small uint16
		assert.ErrorIs(t, newTestList().ReturnCapture(uint64(0)), ErrInvalidArgument)
		assert.ErrorIs(t, newTestList().ReturnCapture((*uint64)(nil)), ErrInvalidArgument)
		assert.ErrorIs(t, newTestList().ReturnCapture(&big), ErrUnsupportedArgumentSize)
		assert.NoError(t, newTestList().ReturnCapture(&small))
	})

	t.Run("native width integers", func(t *testing.T) {
		var n int
		var u uint
		var p uintptr
		assert.NoError(t, newTestList().ReturnCapture(&n))
		assert.NoError(t, newTestList().ReturnCapture(&u))
		assert.NoError(t, newTestList().ReturnCapture(&p))
		assert.NoError(t, newTestList().Append(RetVal(&n)))
	})
}

func TestArgumentList_Append(t *testing.T) {
	var r uint64
	buf := make([]byte, 16)
	words := []uint32{1, 2, 3}

	l := newTestList()
	require.NoError(t, l.Append(RetVal(&r)))
	require.NoError(t, l.Append(uint32(5)))
	require.NoError(t, l.Append(OutOnly(buf)))
	require.NoError(t, l.Append(InOnly(Local(Wrap(words)))))
	require.NoError(t, l.Append(DeviceAddress(0x80)))
	require.NoError(t, l.Append(At(0x2000, buf)))
	require.NoError(t, l.Append(Keep(buf)))

	descs := l.Descriptors()
	require.Len(t, descs, 7)
	assert.IsType(t, ReturnArg{}, descs[0])
	assert.Equal(t, ScalarArg{Value: 5, Width: 4}, descs[1])
	assert.Equal(t, FromDevice, descs[2].(BufferArg).Direction)

	local := descs[3].(BufferArg)
	assert.Equal(t, ToDevice, local.Direction)
	assert.True(t, local.Local)
	assert.Len(t, local.Host, 12)

	assert.Equal(t, AddressArg{Addr: 0x80}, descs[4])
	assert.True(t, descs[5].(BufferArg).Fixed)
	assert.False(t, descs[6].(BufferArg).FreeAfterUse)

	t.Run("unwrapped slices are rejected", func(t *testing.T) {
		l := newTestList()
		assert.ErrorIs(t, l.Append(OutOnly([]float32{1})), ErrInvalidArgument)
		require.NoError(t, l.Append(buf))
		assert.Equal(t, Bidirectional, l.Descriptors()[0].(BufferArg).Direction)
	})
}

func TestWrap(t *testing.T) {
	words := []uint32{0x01020304, 0x05060708}
	b := Wrap(words)
	require.Len(t, b, 8)

	b[0] = 0xFF
	assert.Equal(t, uint32(0x010203FF), words[0], "Wrap must alias the slice")

	assert.Nil(t, Wrap([]float64(nil)))
	assert.Len(t, Wrap(make([]float64, 3)), 24)
}
