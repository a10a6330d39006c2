package annotation

// ValidateRecord is the minimum shape every source requires: a record bound
// to a gene and source with a non-empty payload. Sources call it before their
// own required-field checks.
func ValidateRecord(rec *Record) bool {
	if rec == nil {
		return false
	}
	if rec.GeneID == "" || rec.Source == "" {
		return false
	}
	return len(rec.Payload) > 0
}

// HasString reports whether the payload carries a non-empty string at key
func (p Payload) HasString(key string) bool {
	value, ok := p[key].(string)
	return ok && value != ""
}

// HasNonEmptyList reports whether the payload carries a non-empty list at key
func (p Payload) HasNonEmptyList(key string) bool {
	switch list := p[key].(type) {
	case []interface{}:
		return len(list) > 0
	case []map[string]interface{}:
		return len(list) > 0
	default:
		return false
	}
}

// String returns the string stored at key, or ""
func (p Payload) String(key string) string {
	value, _ := p[key].(string)
	return value
}
