package dialect

import "fmt"

// JSONArrayContains returns a predicate with one placeholder that tests
// whether a JSON array column contains the given string element. Used for
// services_touched containment queries.
//
//	SQLite:   EXISTS (SELECT 1 FROM json_each(col) WHERE json_each.value = ?)
//	Postgres: col::jsonb @> jsonb_build_array(?::text)
func JSONArrayContains(driver, col string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb @> jsonb_build_array(?::text)", col)
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = ?)", col)
}
