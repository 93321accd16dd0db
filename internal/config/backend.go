package config

// ConfigBackend is the persistent store behind `selftune config`.
// Keys are dotted paths such as "monitor.warning_percent". Values of
// float, bool and duration keys travel as strings and are parsed by the
// key table, so a backend only has to round-trip strings and ints.
//
// On Linux the store is a viper-managed YAML file; on macOS it is the
// user defaults domain.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
