package schema

// TableSpec describes one replicated table: its name and the payload
// fields that get a secondary index in the local store.
type TableSpec struct {
	Name string

	// IndexedFields lists JSON payload fields maintained in the local
	// value index so QueryByField avoids full scans. Parent-id fields
	// belong here.
	IndexedFields []string
}

// Tables is the registry of replicated tables for the scoring app.
//
// entries carry the per-dog registration for a class (call_name,
// result_status, ...), classes the schedule, runs the recorded attempts.
var Tables = []TableSpec{
	{Name: "classes", IndexedFields: []string{"show_day"}},
	{Name: "entries", IndexedFields: []string{"class_id", "handler_id"}},
	{Name: "runs", IndexedFields: []string{"entry_id"}},
}

// TableNames returns the registered table names in registry order.
func TableNames() []string {
	names := make([]string, 0, len(Tables))
	for _, spec := range Tables {
		names = append(names, spec.Name)
	}
	return names
}

// Spec looks up the registry entry for a table.
func Spec(name string) (TableSpec, bool) {
	for _, spec := range Tables {
		if spec.Name == name {
			return spec, true
		}
	}
	return TableSpec{}, false
}

// IndexedField reports whether field is indexed for table.
func IndexedField(table, field string) bool {
	spec, ok := Spec(table)
	if !ok {
		return false
	}
	for _, f := range spec.IndexedFields {
		if f == field {
			return true
		}
	}
	return false
}
