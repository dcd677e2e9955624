package dynamostore

import "github.com/jacentio/espalier/record"

// Config holds configuration for the Store.
type Config struct {
	// TablePrefix is prepended to the record type to form a table name
	// when no explicit mapping exists. Default: "espalier_"
	TablePrefix string

	// Tables maps record types to explicit table names, overriding the
	// prefix scheme.
	Tables map[record.Type]string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TablePrefix: "espalier_",
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.TablePrefix == "" && len(c.Tables) == 0 {
		c.TablePrefix = "espalier_"
	}
}

// tableName resolves the DynamoDB table for a record type.
func (c *Config) tableName(typ record.Type) string {
	if name, ok := c.Tables[typ]; ok {
		return name
	}
	return c.TablePrefix + string(typ)
}
