package dialect

// InsertIgnore returns the INSERT keyword and trailing clause that together
// skip rows violating a unique constraint. Redelivered bus messages reuse
// the same step ordinal; the duplicate insert must be a no-op.
//
//	SQLite:   INSERT OR IGNORE INTO ... VALUES (...)
//	Postgres: INSERT INTO ... VALUES (...) ON CONFLICT DO NOTHING
func InsertIgnore(driver string) (keyword, suffix string) {
	if IsPostgres(driver) {
		return "INSERT", " ON CONFLICT DO NOTHING"
	}
	return "INSERT OR IGNORE", ""
}
