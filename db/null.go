package db

// NullID maps a zero id to NULL.
func NullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// NullString maps an empty string to NULL.
func NullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
