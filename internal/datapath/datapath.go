// File: internal/datapath/datapath.go

// Package datapath resolves dot-paths such as "owner.cpf" against a run's
// data context and renders resolved values for form input.
package datapath

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
)

// DateLayout is the date format expected by the supported portals.
const DateLayout = "02/01/2006"

// Split breaks a path into its group and field segments.
func Split(path string) (schemas.DataGroup, string, error) {
	group, field, ok := strings.Cut(strings.TrimSpace(path), ".")
	if !ok || group == "" || field == "" || strings.Contains(field, ".") {
		return "", "", schemas.NewError(schemas.KindValidation, "malformed data path %q: expected <group>.<field>", path)
	}
	return schemas.DataGroup(group), field, nil
}

// Group returns the top-level group of a path, or "" when it is malformed.
func Group(path string) schemas.DataGroup {
	g, _, err := Split(path)
	if err != nil {
		return ""
	}
	return g
}

// Resolve looks up path in dc. It fails with a MissingDataError naming the
// path when the group or field is absent or the value is empty. Values are
// returned with their stored type; no coercion happens here.
func Resolve(dc schemas.DataContext, path string) (interface{}, error) {
	group, field, err := Split(path)
	if err != nil {
		return nil, err
	}
	rec, ok := dc[group]
	if !ok || rec == nil {
		return nil, schemas.MissingData(path)
	}
	v, ok := rec[field]
	if !ok || isEmpty(v) {
		return nil, schemas.MissingData(path)
	}
	return v, nil
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case *string:
		return t == nil || strings.TrimSpace(*t) == ""
	case time.Time:
		return t.IsZero()
	case *time.Time:
		return t == nil || t.IsZero()
	}
	return false
}

// Format renders a resolved value as the text a user would type.
func Format(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case *string:
		if t == nil {
			return ""
		}
		return *t
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(DateLayout)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.Format(DateLayout)
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}
