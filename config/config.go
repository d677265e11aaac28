package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Core  CoreConfig
	Store StoreConfig
}

// StoreConfig selects and configures the authority store backend
type StoreConfig struct {
	// Backend is one of "mongodb", "postgresql"
	Backend string

	MongoDB    MongoDBConnectConfig
	PostgreSQL PostgreSQLConnectConfig
}

type MongoDBConnectConfig struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	AuthDatabase    string
	MaxPoolSize     uint64
	MinPoolSize     uint64
	ConnMaxIdleTime time.Duration
}

type PostgreSQLConnectConfig struct {
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func LoadConfigWithDefaults(configPath string) (*Config, error) {
	log.Printf("Loading configFile=%v\n", configPath)

	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	d := yaml.NewDecoder(file)

	if err := d.Decode(&config); err != nil {
		return nil, err
	}

	config.Core.applyDefaults()

	return config, nil
}
