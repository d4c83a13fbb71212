package config

// ConfigBackend abstracts where persisted settings live. Keys are dotted
// ("indexing.batch_write_size"); the file backend maps the first segment
// to a TOML table.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetStrings(key string) (val []string, ok bool, err error)
	Set(key string, val any) error
	Delete(key string) error
}
