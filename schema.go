package zgraph

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/iancoleman/strcase"
)

// structInfo is the column layout read from a struct type.
type structInfo struct {
	name        string
	table       string
	ids         []string
	columns     []string
	columnNames map[string]string
}

var (
	structCache   = make(map[reflect.Type]*structInfo)
	structCacheMu sync.RWMutex
)

var (
	timeType    = reflect.TypeOf(time.Time{})
	valuerType  = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

// StructDef derives an EntityDef from the fields of T. name defaults to the
// type name. Fields are read as follows:
//
//   - `zgraph:"-"` skips the field;
//   - `zgraph:"prop"` names the logical property, otherwise the field name
//     in lower camel case is used;
//   - the "id" option marks identity columns; without any, a field named ID
//     is the identity;
//   - "column=name" overrides the storage column;
//   - "squash" flattens an embedded struct.
//
// Struct, pointer-to-struct and slice-of-struct fields other than time.Time
// are left for relations, which the caller appends to the returned def.
// T may implement TableName() string and PrimaryKey() []string.
func StructDef[T any](name string) EntityDef {
	info := parseStruct(reflect.TypeOf((*T)(nil)).Elem())
	if name == "" {
		name = info.name
	}
	def := EntityDef{
		Name:      name,
		Table:     info.table,
		IDColumns: append([]string(nil), info.ids...),
		Columns:   append([]string(nil), info.columns...),
	}
	if len(info.columnNames) > 0 {
		def.ColumnNames = make(map[string]string, len(info.columnNames))
		for k, v := range info.columnNames {
			def.ColumnNames[k] = v
		}
	}
	return def
}

func parseStruct(typ reflect.Type) *structInfo {
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		panic(fmt.Sprintf("zgraph: StructDef needs a struct type, got %s", typ))
	}

	structCacheMu.RLock()
	if info, ok := structCache[typ]; ok {
		structCacheMu.RUnlock()
		return info
	}
	structCacheMu.RUnlock()

	structCacheMu.Lock()
	defer structCacheMu.Unlock()
	if info, ok := structCache[typ]; ok {
		return info
	}

	info := &structInfo{name: typ.Name()}
	ptr := reflect.New(typ).Interface()
	if t, ok := ptr.(interface{ TableName() string }); ok {
		info.table = t.TableName()
	}
	if p, ok := ptr.(interface{ PrimaryKey() []string }); ok {
		info.ids = p.PrimaryKey()
	}

	var fallbackID string
	var tagged []string
	collectFields(typ, info, &tagged, &fallbackID)
	switch {
	case len(info.ids) > 0:
	case len(tagged) > 0:
		info.ids = tagged
	case fallbackID != "":
		info.ids = []string{fallbackID}
	}

	structCache[typ] = info
	return info
}

func collectFields(typ reflect.Type, info *structInfo, tagged *[]string, fallbackID *string) {
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("zgraph")
		if tag == "-" {
			continue
		}
		prop, opts, _ := strings.Cut(tag, ",")

		if f.Anonymous && hasOption(opts, "squash") {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectFields(ft, info, tagged, fallbackID)
				continue
			}
		}
		if isRelationField(f.Type) {
			continue
		}

		if prop == "" {
			prop = propName(f.Name)
		}
		info.columns = append(info.columns, prop)

		for _, o := range strings.Split(opts, ",") {
			if col, ok := strings.CutPrefix(o, "column="); ok && col != "" {
				if info.columnNames == nil {
					info.columnNames = make(map[string]string)
				}
				info.columnNames[prop] = col
			}
		}
		if hasOption(opts, "id") {
			*tagged = append(*tagged, prop)
		} else if f.Name == "ID" && *fallbackID == "" {
			*fallbackID = prop
		}
	}
}

func propName(field string) string {
	if strings.EqualFold(field, "id") {
		return "id"
	}
	return strcase.ToLowerCamel(field)
}

// structValues reads the exported fields of a struct keyed by the names
// StructDef gives them. Relation fields keep their struct values.
func structValues(v reflect.Value) map[string]any {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	out := make(map[string]any, v.NumField())
	collectValues(v, out)
	return out
}

func collectValues(v reflect.Value, out map[string]any) {
	typ := v.Type()
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("zgraph")
		if tag == "-" {
			continue
		}
		prop, opts, _ := strings.Cut(tag, ",")
		fv := v.Field(i)

		if f.Anonymous && hasOption(opts, "squash") {
			if fv.Kind() == reflect.Pointer {
				if fv.IsNil() {
					continue
				}
				fv = fv.Elem()
			}
			if fv.Kind() == reflect.Struct {
				collectValues(fv, out)
				continue
			}
		}
		if prop == "" {
			prop = propName(f.Name)
		}
		out[prop] = fv.Interface()
	}
}

func hasOption(opts, name string) bool {
	for _, o := range strings.Split(opts, ",") {
		if strings.TrimSpace(o) == name {
			return true
		}
	}
	return false
}

func isRelationField(t reflect.Type) bool {
	if t.Implements(valuerType) || reflect.PointerTo(t).Implements(scannerType) {
		return false
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		if t.Elem().Kind() == reflect.Uint8 {
			return false
		}
		t = t.Elem()
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
	}
	return t.Kind() == reflect.Struct && t != timeType
}
