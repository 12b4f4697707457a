package postgres

import (
	"reflect"
	"slices"
	"sync"
)

// fieldInfo is a tagged field of a struct, with the index path through embedded structs.
type fieldInfo struct {
	index []int
	dbTag string
}

// typeCache holds []fieldInfo per reflect.Type.
var typeCache sync.Map

func fieldsOf(t reflect.Type) []fieldInfo {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if cached, ok := typeCache.Load(t); ok {
		return cached.([]fieldInfo)
	}

	var fields []fieldInfo
	if t.Kind() == reflect.Struct {
		fields = collectFields(t, nil)
	}
	typeCache.Store(t, fields)
	return fields
}

func collectFields(t reflect.Type, prefix []int) []fieldInfo {
	var fields []fieldInfo
	for i := range t.NumField() {
		field := t.Field(i)
		index := append(slices.Clone(prefix), i)

		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			fields = append(fields, collectFields(field.Type, index)...)
			continue
		}

		tag := field.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		fields = append(fields, fieldInfo{index: index, dbTag: tag})
	}
	return fields
}

// ExtractDBColumns returns the column names from the "db" tags of T,
// including embedded structs, in declaration order.
//
//	columns := ExtractDBColumns[entity.StockBatch]()
//	// ["id", "pharmacy_id", "drug_id", "batch_number", ...]
func ExtractDBColumns[T any]() []string {
	fields := fieldsOf(reflect.TypeFor[T]())
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.dbTag
	}
	return cols
}

// StructToMap converts a struct to a column map using "db" tags.
func StructToMap(v any) map[string]any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	fields := fieldsOf(rv.Type())
	res := make(map[string]any, len(fields))
	for _, f := range fields {
		res[f.dbTag] = rv.FieldByIndex(f.index).Interface()
	}
	return res
}

// Without returns cols minus the excluded names, e.g. store-assigned columns on insert.
func Without(cols []string, exclude ...string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if !slices.Contains(exclude, c) {
			out = append(out, c)
		}
	}
	return out
}

// ValuesOf returns the values of cols from a column map, in order.
func ValuesOf(m map[string]any, cols []string) []any {
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = m[c]
	}
	return vals
}
