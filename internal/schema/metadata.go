package schema

// Keys for the metadata map attached to bus events.
const (
	MetaCorrelationID = "correlation_id"
	MetaActionName    = "action"
	MetaSite          = "site"
	MetaStage         = "stage"
)

// GetMetaString extracts a string from a metadata map. Returns "" if missing/not string.
func GetMetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	val, ok := meta[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}
