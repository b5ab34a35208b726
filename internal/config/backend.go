package config

// ConfigBackend is the platform's native settings store. Secrets never go
// through it; see Keychain.
//
// The Get methods report ok=false for an absent key. A present value of the
// wrong type is an error.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetFloat(key string) (val float64, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetFloat(key string, val float64) error
	Delete(key string) error
}
