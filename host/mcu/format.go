package mcu

import (
	"fmt"
	"strings"

	"servoplex/protocol"
)

// Parameter types as written in dictionary formats.
const (
	paramBytes = "%*s"
)

type param struct {
	Name string
	Type string // %c, %u, %hu, %i, %hi, %*s
}

// messageFormat is one parsed dictionary entry, such as
// "servo_write oid=%c value=%hi speed=%c".
type messageFormat struct {
	ID     uint16
	Name   string
	Params []param
}

func parseFormat(id int, signature string) (*messageFormat, error) {
	fields := strings.Fields(signature)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty format for id %d", ErrBadDictionary, id)
	}
	if id < 0 || id > 0xFFFF {
		return nil, fmt.Errorf("%w: id %d for %s", ErrBadDictionary, id, fields[0])
	}
	f := &messageFormat{ID: uint16(id), Name: fields[0]}
	for _, field := range fields[1:] {
		name, typ, ok := strings.Cut(field, "=")
		if !ok || !strings.HasPrefix(typ, "%") {
			return nil, fmt.Errorf("%w: parameter %q of %s", ErrBadDictionary, field, f.Name)
		}
		f.Params = append(f.Params, param{Name: name, Type: typ})
	}
	return f, nil
}

// decode reads the arguments of an integer-only message.
func (f *messageFormat) decode(data *[]byte) (map[string]int32, error) {
	args := make(map[string]int32, len(f.Params))
	for _, p := range f.Params {
		if p.Type == paramBytes {
			if _, err := protocol.DecodeVLQBytes(data); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", f.Name, p.Name, err)
			}
			continue
		}
		v, err := protocol.DecodeVLQInt(data)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", f.Name, p.Name, err)
		}
		args[p.Name] = v
	}
	return args, nil
}

func indexDictionary(dict *Dictionary) (map[string]*messageFormat, map[uint16]*messageFormat, error) {
	commands := make(map[string]*messageFormat, len(dict.Commands))
	for signature, id := range dict.Commands {
		f, err := parseFormat(id, signature)
		if err != nil {
			return nil, nil, err
		}
		commands[f.Name] = f
	}
	responses := make(map[uint16]*messageFormat, len(dict.Responses))
	for signature, id := range dict.Responses {
		f, err := parseFormat(id, signature)
		if err != nil {
			return nil, nil, err
		}
		responses[f.ID] = f
	}
	return commands, responses, nil
}
