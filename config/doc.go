// Package config loads fortify configuration.
//
// Files are YAML, read with Viper. A .env file found next to the config is
// loaded with godotenv, and variables carrying the service prefix override
// file values:
//
//	var cfg Config
//	err := config.LoadConfig("fortify", &cfg, config.WithConfigFile("config.yml"))
//
// FORTIFY_POOL_MAX_SHARDS=20 sets pool.max_shards.
package config
