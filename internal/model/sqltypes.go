package model

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// ScopeList and MethodList persist as comma-joined TEXT columns. Scanner
// and Valuer keep the repository layer free of conversion code.

func (s ScopeList) Value() (driver.Value, error) {
	return strings.Join(s, ","), nil
}

func (s *ScopeList) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return err
	}
	if str == "" {
		*s = nil
		return nil
	}
	*s = strings.Split(str, ",")
	return nil
}

func (m MethodList) Value() (driver.Value, error) {
	upper := make([]string, len(m))
	for i, v := range m {
		upper[i] = strings.ToUpper(v)
	}
	return strings.Join(upper, ","), nil
}

func (m *MethodList) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return err
	}
	if str == "" {
		*m = nil
		return nil
	}
	*m = strings.Split(str, ",")
	return nil
}

func scanString(src any) (string, error) {
	switch v := src.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("cannot scan %T into string list", src)
	}
}
