package accel

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"reflect"
	"unsafe"
)

// Direction selects the copies made for a buffer argument.
type Direction uint8

const (
	// ToDevice copies the host buffer into device memory before launch.
	ToDevice Direction = 1 << iota
	// FromDevice copies device memory back into the host buffer on release.
	FromDevice

	Bidirectional = ToDevice | FromDevice
)

func (d Direction) String() string {
	switch d {
	case 0:
		return "none"
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	case Bidirectional:
		return "bidirectional"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Descriptor is one entry of an ArgumentList: a ScalarArg, AddressArg,
// BufferArg or ReturnArg.
type Descriptor interface {
	isDescriptor()
}

// ScalarArg is a value passed directly in an argument register.
type ScalarArg struct {
	Value uint64
	// Width is the size of the encoded value in bytes, 4 or 8.
	Width int
}

// AddressArg is a device address passed in an argument register.
type AddressArg struct {
	Addr DeviceAddress
}

// BufferArg is host memory placed in device memory for the launch. The
// register receives the device address of the placement.
type BufferArg struct {
	Host      []byte
	Direction Direction
	// FreeAfterUse is false for buffers kept with KeepAfterUse; their device
	// memory is handed to the caller through CompletionHandle.Retained.
	FreeAfterUse bool
	// Local requests PE-local memory.
	Local bool
	// Fixed places the buffer at Addr, memory the caller already owns. Fixed
	// buffers are copied both ways and never freed by the runtime.
	Fixed bool
	Addr  DeviceAddress
}

// ReturnArg receives the PE's return value when the launch is released.
type ReturnArg struct {
	Target any
}

func (ScalarArg) isDescriptor()  {}
func (AddressArg) isDescriptor() {}
func (BufferArg) isDescriptor()  {}
func (ReturnArg) isDescriptor()  {}

// flags are the annotations pending for the next appended argument.
type flags struct {
	dir   Direction
	keep  bool
	local bool
	fixed bool
	addr  DeviceAddress
}

func (f flags) plain() bool {
	return f.dir == Bidirectional && !f.keep && !f.local && !f.fixed
}

// ArgumentList collects the arguments of one launch.
//
// Annotations (InOnly, OutOnly, Local, KeepAfterUse, At) apply to the next
// appended argument only and are cleared by every append, including one that
// fails:
//
//	args.OutOnly().Buffer(out)
//
// An ArgumentList is not safe for concurrent use.
type ArgumentList struct {
	dev   *Device
	descs []Descriptor
	next  flags
}

func (l *ArgumentList) reset() {
	l.next = flags{dir: Bidirectional}
}

func (l *ArgumentList) take() flags {
	f := l.next
	l.reset()
	return f
}

// InOnly suppresses the copy back for the next buffer.
func (l *ArgumentList) InOnly() *ArgumentList {
	l.next.dir &^= FromDevice
	return l
}

// OutOnly suppresses the copy to the device for the next buffer.
func (l *ArgumentList) OutOnly() *ArgumentList {
	l.next.dir &^= ToDevice
	return l
}

// Local requests PE-local memory for the next buffer.
func (l *ArgumentList) Local() *ArgumentList {
	l.next.local = true
	return l
}

// KeepAfterUse leaves the device memory of the next buffer allocated after
// release.
func (l *ArgumentList) KeepAfterUse() *ArgumentList {
	l.next.keep = true
	return l
}

// At places the next buffer at addr, device memory the caller already owns.
func (l *ArgumentList) At(addr DeviceAddress) *ArgumentList {
	l.next.fixed = true
	l.next.addr = addr
	return l
}

// Len returns the number of arguments, counting a return capture.
func (l *ArgumentList) Len() int {
	return len(l.descs)
}

// Descriptors returns the arguments in order.
func (l *ArgumentList) Descriptors() []Descriptor {
	return append([]Descriptor(nil), l.descs...)
}

// Scalar appends a fixed-size value of 4 or 8 bytes, passed in a register.
// Go int, uint and uintptr count as their native size.
func (l *ArgumentList) Scalar(v any) error {
	f := l.take()
	if !f.plain() {
		return fmt.Errorf("%w: annotations apply to buffers, not to scalar %T", ErrInvalidArgument, v)
	}
	value, width, err := encodeScalar(v)
	if err != nil {
		return err
	}
	l.descs = append(l.descs, ScalarArg{Value: value, Width: width})
	return nil
}

// Buffer appends host memory to be placed in device memory.
func (l *ArgumentList) Buffer(host []byte) error {
	f := l.take()
	if len(host) == 0 {
		return fmt.Errorf("%w: empty buffer", ErrInvalidArgument)
	}
	if f.fixed {
		if f.dir != Bidirectional || f.keep || f.local {
			return fmt.Errorf("%w: a buffer placed at a fixed address cannot take other annotations", ErrInvalidArgument)
		}
		l.descs = append(l.descs, BufferArg{Host: host, Direction: Bidirectional, Fixed: true, Addr: f.addr})
		return nil
	}
	if f.keep && f.local {
		return fmt.Errorf("%w: PE-local memory cannot be kept after use", ErrInvalidArgument)
	}
	l.descs = append(l.descs, BufferArg{
		Host:         host,
		Direction:    f.dir,
		FreeAfterUse: !f.keep,
		Local:        f.local,
	})
	return nil
}

// DeviceAddress appends a device address, passed as-is in a register.
func (l *ArgumentList) DeviceAddress(addr DeviceAddress) error {
	f := l.take()
	if !f.plain() {
		return fmt.Errorf("%w: annotations apply to buffers, not to device address %s", ErrInvalidArgument, addr)
	}
	l.descs = append(l.descs, AddressArg{Addr: addr})
	return nil
}

// ReturnCapture names where the PE's return value is stored on release. It
// must be the first argument and appear at most once. target must point to a
// fixed-size value of at most 8 bytes, or to an int, uint or uintptr; it
// takes no argument register.
func (l *ArgumentList) ReturnCapture(target any) error {
	f := l.take()
	if !f.plain() {
		return fmt.Errorf("%w: annotations do not apply to a return capture", ErrInvalidArgument)
	}
	if len(l.descs) > 0 {
		return fmt.Errorf("%w: the return capture must be the first argument", ErrInvalidArgument)
	}
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: return capture needs a non-nil pointer, got %T", ErrInvalidArgument, target)
	}
	size := returnSize(rv)
	if size <= 0 || size > 8 {
		return fmt.Errorf("%w: return capture %T must point to a fixed-size value of at most 8 bytes", ErrUnsupportedArgumentSize, target)
	}
	l.descs = append(l.descs, ReturnArg{Target: target})
	return nil
}

// returnSize is the number of bytes stored through the pointer p, or -1.
func returnSize(p reflect.Value) int {
	switch p.Elem().Kind() {
	case reflect.Int, reflect.Uint, reflect.Uintptr:
		return int(p.Elem().Type().Size())
	}
	return binary.Size(p.Interface())
}

// Append adds v according to its type: []byte as a buffer, DeviceAddress as
// an address and anything else as a scalar. Values wrapped by InOnly,
// OutOnly, Local, Keep, At and RetVal carry their annotation with them.
func (l *ArgumentList) Append(v any) error {
	switch x := v.(type) {
	case Annotated:
		x.apply(l)
		return l.Append(x.value)
	case returnValue:
		return l.ReturnCapture(x.target)
	case []byte:
		return l.Buffer(x)
	case DeviceAddress:
		return l.DeviceAddress(x)
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice {
		l.reset()
		return fmt.Errorf("%w: %T must be converted with accel.Wrap to be passed as a buffer", ErrInvalidArgument, v)
	}
	return l.Scalar(v)
}

// ret returns the return capture, if any.
func (l *ArgumentList) ret() *ReturnArg {
	if len(l.descs) == 0 {
		return nil
	}
	if r, ok := l.descs[0].(ReturnArg); ok {
		return &r
	}
	return nil
}

func encodeScalar(v any) (uint64, int, error) {
	const nativeWidth = bits.UintSize / 8

	switch x := v.(type) {
	case nil:
		return 0, 0, fmt.Errorf("%w: nil scalar", ErrInvalidArgument)
	case int:
		return uint64(x), nativeWidth, nil
	case uint:
		return uint64(x), nativeWidth, nil
	case uintptr:
		return uint64(x), nativeWidth, nil
	case DeviceAddress:
		return uint64(x), 8, nil
	case unsafe.Pointer:
		return 0, 0, fmt.Errorf("%w: got unsafe.Pointer", ErrBarePointerNotAllowed)
	}

	switch reflect.TypeOf(v).Kind() {
	case reflect.Pointer, reflect.UnsafePointer:
		return 0, 0, fmt.Errorf("%w: got %T, pass the data as a buffer", ErrBarePointerNotAllowed, v)
	case reflect.Slice, reflect.Map, reflect.Chan, reflect.Func, reflect.String, reflect.Interface:
		return 0, 0, fmt.Errorf("%w: %T cannot be passed in a register", ErrInvalidArgument, v)
	}

	size := binary.Size(v)
	if size < 0 {
		return 0, 0, fmt.Errorf("%w: %T is not a fixed-size value", ErrUnsupportedArgumentSize, v)
	}
	if size != 4 && size != 8 {
		return 0, 0, fmt.Errorf("%w: %T is %d bytes, only 4 and 8 byte values fit a register; pass larger data as a buffer",
			ErrUnsupportedArgumentSize, v, size)
	}
	buf, err := binary.Append(make([]byte, 0, 8), binary.LittleEndian, v)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: encoding %T: %v", ErrInvalidArgument, v, err)
	}
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), 4, nil
	}
	return binary.LittleEndian.Uint64(buf), 8, nil
}

// Numeric is the set of element types Wrap accepts.
type Numeric interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Wrap views s as bytes so it can be passed as a buffer argument. The result
// aliases s; copies back from the device land in s.
func Wrap[T Numeric](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero)))
}

// Annotated is an argument value carrying annotations for Device.Launch and
// ArgumentList.Append.
type Annotated struct {
	value any
	apply func(*ArgumentList)
}

type returnValue struct {
	target any
}

func annotate(v any, apply func(*ArgumentList)) Annotated {
	if inner, ok := v.(Annotated); ok {
		return Annotated{value: inner.value, apply: func(l *ArgumentList) {
			apply(l)
			inner.apply(l)
		}}
	}
	return Annotated{value: v, apply: apply}
}

// InOnly marks a buffer as input only.
func InOnly(v any) Annotated {
	return annotate(v, func(l *ArgumentList) { l.InOnly() })
}

// OutOnly marks a buffer as output only.
func OutOnly(v any) Annotated {
	return annotate(v, func(l *ArgumentList) { l.OutOnly() })
}

// Local requests PE-local memory for a buffer.
func Local(v any) Annotated {
	return annotate(v, func(l *ArgumentList) { l.Local() })
}

// Keep leaves the device memory of a buffer allocated after release.
func Keep(v any) Annotated {
	return annotate(v, func(l *ArgumentList) { l.KeepAfterUse() })
}

// At places a buffer at addr, device memory the caller already owns.
func At(addr DeviceAddress, v any) Annotated {
	return annotate(v, func(l *ArgumentList) { l.At(addr) })
}

// RetVal captures the PE's return value into target.
func RetVal(target any) any {
	return returnValue{target: target}
}
