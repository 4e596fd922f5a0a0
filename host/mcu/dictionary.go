package mcu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"piohal/protocol"
)

// Dictionary is the firmware's description of itself, fetched by identify.
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]string         `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`

	commands  map[string]*Format
	responses map[uint16]*Format
}

// ParamType is the wire type of a message parameter.
type ParamType uint8

const (
	ParamUint  ParamType = iota // %u, %c, %hu
	ParamInt                    // %i, %hi
	ParamBytes                  // %*s, %s
)

// Param is one key=%x field of a message format.
type Param struct {
	Name string
	Type ParamType
}

// Format is a parsed "name key=%x ..." message description.
type Format struct {
	ID     uint16
	Name   string
	Params []Param
}

// ParseDictionary decodes the identify payload.
// inflateDictionary returns data unchanged unless it carries a zlib header,
// in which case it is decompressed. A JSON dictionary starts with '{' and
// never looks like one.
func inflateDictionary(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0]&0x0f != 8 || (uint16(data[0])<<8|uint16(data[1]))%31 != 0 {
		return data, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("inflate dictionary: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate dictionary: %w", err)
	}
	return out, nil
}

func ParseDictionary(data []byte) (*Dictionary, error) {
	d := &Dictionary{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("parse dictionary: %w", err)
	}
	d.commands = make(map[string]*Format, len(d.Commands))
	d.responses = make(map[uint16]*Format, len(d.Responses))
	for desc, id := range d.Commands {
		f, err := parseFormat(desc, id)
		if err != nil {
			return nil, err
		}
		d.commands[f.Name] = f
	}
	for desc, id := range d.Responses {
		f, err := parseFormat(desc, id)
		if err != nil {
			return nil, err
		}
		d.responses[f.ID] = f
	}
	return d, nil
}

func parseFormat(desc string, id int) (*Format, error) {
	fields := strings.Fields(desc)
	if len(fields) == 0 {
		return nil, fmt.Errorf("message %d: empty format", id)
	}
	if id < 0 || id > 0xffff {
		return nil, fmt.Errorf("message %q: id %d out of range", fields[0], id)
	}
	f := &Format{ID: uint16(id), Name: fields[0]}
	for _, field := range fields[1:] {
		name, verb, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("message %q: bad parameter %q", f.Name, field)
		}
		var typ ParamType
		switch verb {
		case "%c", "%u", "%hu":
			typ = ParamUint
		case "%i", "%hi":
			typ = ParamInt
		case "%*s", "%s", "%.*s":
			typ = ParamBytes
		default:
			return nil, fmt.Errorf("message %q: unsupported type %q", f.Name, verb)
		}
		f.Params = append(f.Params, Param{Name: name, Type: typ})
	}
	return f, nil
}

// Command returns the format of the named command.
func (d *Dictionary) Command(name string) (*Format, bool) {
	f, ok := d.commands[name]
	return f, ok
}

// Response returns the format of the response with the given ID.
func (d *Dictionary) Response(id uint16) (*Format, bool) {
	f, ok := d.responses[id]
	return f, ok
}

// CommandNames lists the commands in ID order.
func (d *Dictionary) CommandNames() []string {
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return d.commands[names[i]].ID < d.commands[names[j]].ID
	})
	return names
}

// ConfigUint parses a numeric constant.
func (d *Dictionary) ConfigUint(name string) (uint32, error) {
	s, ok := d.Config[name]
	if !ok {
		return 0, fmt.Errorf("constant %s not in dictionary", name)
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("constant %s: %w", name, err)
	}
	return uint32(v), nil
}

// EnumName returns the name of value in the named enumeration.
func (d *Dictionary) EnumName(enum string, value uint32) string {
	for name, v := range d.Enumerations[enum] {
		if uint32(v) == value {
			return name
		}
	}
	return strconv.FormatUint(uint64(value), 10)
}

// Encode writes args in parameter order. Integers may be any Go integer
// type; bytes parameters take []byte or string.
func (f *Format) Encode(output protocol.OutputBuffer, args ...any) error {
	if len(args) != len(f.Params) {
		return fmt.Errorf("%s: expected %d arguments, got %d", f.Name, len(f.Params), len(args))
	}
	for i, p := range f.Params {
		if p.Type == ParamBytes {
			switch v := args[i].(type) {
			case []byte:
				protocol.EncodeVLQBytes(output, v)
			case string:
				protocol.EncodeVLQString(output, v)
			default:
				return fmt.Errorf("%s: %s wants bytes, got %T", f.Name, p.Name, args[i])
			}
			continue
		}
		v, ok := toInt64(args[i])
		if !ok {
			return fmt.Errorf("%s: %s wants an integer, got %T", f.Name, p.Name, args[i])
		}
		if p.Type == ParamInt {
			protocol.EncodeVLQInt(output, int32(v))
		} else {
			protocol.EncodeVLQUint(output, uint32(v))
		}
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Response is a decoded firmware message.
type Response struct {
	Name  string
	ints  map[string]int64
	blobs map[string][]byte
}

// Decode parses the arguments of a message in this format.
func (f *Format) Decode(args []byte) (Response, error) {
	r := Response{Name: f.Name, ints: make(map[string]int64, len(f.Params))}
	for _, p := range f.Params {
		switch p.Type {
		case ParamUint:
			v, err := protocol.DecodeVLQUint(&args)
			if err != nil {
				return r, fmt.Errorf("%s.%s: %w", f.Name, p.Name, err)
			}
			r.ints[p.Name] = int64(v)
		case ParamInt:
			v, err := protocol.DecodeVLQInt(&args)
			if err != nil {
				return r, fmt.Errorf("%s.%s: %w", f.Name, p.Name, err)
			}
			r.ints[p.Name] = int64(v)
		case ParamBytes:
			v, err := protocol.DecodeVLQBytes(&args)
			if err != nil {
				return r, fmt.Errorf("%s.%s: %w", f.Name, p.Name, err)
			}
			if r.blobs == nil {
				r.blobs = make(map[string][]byte)
			}
			r.blobs[p.Name] = v
		}
	}
	return r, nil
}

// Uint returns an integer parameter, 0 if absent.
func (r Response) Uint(name string) uint32 { return uint32(r.ints[name]) }

// Int returns a signed parameter, 0 if absent.
func (r Response) Int(name string) int32 { return int32(r.ints[name]) }

// Bytes returns a bytes parameter.
func (r Response) Bytes(name string) []byte { return r.blobs[name] }

func (r Response) String() string {
	var sb strings.Builder
	sb.WriteString(r.Name)
	keys := make([]string, 0, len(r.ints)+len(r.blobs))
	for k := range r.ints {
		keys = append(keys, k)
	}
	for k := range r.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if b, ok := r.blobs[k]; ok {
			fmt.Fprintf(&sb, " %s=%q", k, b)
		} else {
			fmt.Fprintf(&sb, " %s=%d", k, r.ints[k])
		}
	}
	return sb.String()
}
