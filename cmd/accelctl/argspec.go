package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/fxnlabs/accel-runtime/pkg/accel"
)

// argument is one parsed command line argument of a launch.
type argument struct {
	spec  string
	value any
	// buf is the host memory of buffer arguments.
	buf []byte
	out bool
}

// parseArgument parses one launch argument:
//
//	u32:42  i32:-1  u64:7  i64:-7  f32:1.5  f64:2.5   scalars
//	addr:0x10000040                                    device address
//	buf:64  buf:0xdeadbeef                            zero-filled or literal buffer
//	buf.out:16  buf.in.local:0x0102  buf.keep:8        annotated buffers
//
// Buffer annotations are in, out, local and keep.
func parseArgument(spec string) (argument, error) {
	typ, raw, ok := strings.Cut(spec, ":")
	if !ok || raw == "" {
		return argument{}, fmt.Errorf("argument %q: expected <type>:<value>", spec)
	}
	a := argument{spec: spec}

	var err error
	switch typ {
	case "u32":
		var v uint64
		v, err = strconv.ParseUint(raw, 0, 32)
		a.value = uint32(v)
	case "i32":
		var v int64
		v, err = strconv.ParseInt(raw, 0, 32)
		a.value = int32(v)
	case "u64":
		a.value, err = strconv.ParseUint(raw, 0, 64)
	case "i64":
		a.value, err = strconv.ParseInt(raw, 0, 64)
	case "f32":
		var v float64
		v, err = strconv.ParseFloat(raw, 32)
		a.value = float32(v)
	case "f64":
		a.value, err = strconv.ParseFloat(raw, 64)
	case "addr":
		var v uint64
		v, err = strconv.ParseUint(raw, 0, 64)
		a.value = accel.DeviceAddress(v)
	default:
		if typ != "buf" && !strings.HasPrefix(typ, "buf.") {
			return argument{}, fmt.Errorf("argument %q: unknown type %q", spec, typ)
		}
		return parseBuffer(a, typ, raw)
	}
	if err != nil {
		return argument{}, fmt.Errorf("argument %q: %w", spec, err)
	}
	return a, nil
}

func parseBuffer(a argument, typ, raw string) (argument, error) {
	if strings.HasPrefix(raw, "0x") {
		data, err := hex.DecodeString(raw[2:])
		if err != nil {
			return argument{}, fmt.Errorf("argument %q: %w", a.spec, err)
		}
		a.buf = data
	} else {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return argument{}, fmt.Errorf("argument %q: buffer size must be a positive integer", a.spec)
		}
		a.buf = make([]byte, size)
	}

	a.out = true
	var value any = a.buf
	for _, mod := range strings.Split(typ, ".")[1:] {
		switch mod {
		case "in":
			value = accel.InOnly(value)
			a.out = false
		case "out":
			value = accel.OutOnly(value)
		case "local":
			value = accel.Local(value)
		case "keep":
			value = accel.Keep(value)
		default:
			return argument{}, fmt.Errorf("argument %q: unknown buffer annotation %q", a.spec, mod)
		}
	}
	a.value = value
	return a, nil
}

func parseArguments(specs []string) ([]argument, error) {
	args := make([]argument, 0, len(specs))
	for _, spec := range specs {
		a, err := parseArgument(spec)
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}
	return args, nil
}

func values(args []argument) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.value
	}
	return out
}
