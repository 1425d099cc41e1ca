package config

// DbSettings selects and configures the action store backend.
type DbSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=postgres mongo spanner memory"`
	DSN        string `mapstructure:"dsn"`        // postgres
	URI        string `mapstructure:"uri"`        // mongo connection string or spanner database path
	Name       string `mapstructure:"name"`       // mongo database name
	Collection string `mapstructure:"collection"` // mongo collection name
}
