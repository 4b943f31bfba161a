package fsm

import (
	"encoding/binary"
	"fmt"
	"reflect"
)

// IntFieldIndex indexes a signed integer field of a record.
type IntFieldIndex struct {
	Field string
}

func (u *IntFieldIndex) FromObject(obj interface{}) (bool, []byte, error) {
	fv := reflect.Indirect(reflect.ValueOf(obj)).FieldByName(u.Field)
	if !fv.IsValid() {
		return false, nil, fmt.Errorf("field %q for %#v is invalid", u.Field, obj)
	}
	buf, err := encodeInt(fv)
	if err != nil {
		return false, nil, fmt.Errorf("field %q: %v", u.Field, err)
	}
	return true, buf, nil
}

func (u *IntFieldIndex) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	v := reflect.ValueOf(args[0])
	if !v.IsValid() {
		return nil, fmt.Errorf("%#v is invalid", args[0])
	}
	return encodeInt(v)
}

func encodeInt(v reflect.Value) ([]byte, error) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
	default:
		return nil, fmt.Errorf("kind %v is not an int", v.Kind())
	}
	// Fixed width so every key of an index has the same length.
	buf := make([]byte, binary.MaxVarintLen64)
	binary.PutVarint(buf, v.Int())
	return buf, nil
}
