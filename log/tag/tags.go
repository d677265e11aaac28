package tag

// Tag is a typed key/value pair attached to log messages
type Tag struct {
	Key   string
	Value interface{}
}

func Error(err error) Tag {
	return Tag{Key: "error", Value: err}
}

func Value(v interface{}) Tag {
	return Tag{Key: "value", Value: v}
}

func Resource(name string) Tag {
	return Tag{Key: "resource", Value: name}
}

func Collection(name string) Tag {
	return Tag{Key: "collection", Value: name}
}

func MigrationId(id string) Tag {
	return Tag{Key: "migrationId", Value: id}
}

func Shard(id string) Tag {
	return Tag{Key: "shard", Value: id}
}

func OwnerId(id string) Tag {
	return Tag{Key: "ownerId", Value: id}
}

func Version(v interface{}) Tag {
	return Tag{Key: "version", Value: v}
}

func Range(r interface{}) Tag {
	return Tag{Key: "range", Value: r}
}

func Attempt(n int) Tag {
	return Tag{Key: "attempt", Value: n}
}
