package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/cipherrelay/internal/flagx"
	"github.com/dmitrijs2005/cipherrelay/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations use
// timex.Duration so both "5m" and integer nanoseconds are accepted. Fields
// missing from the file keep the value already in Config.
type JsonConfig struct {
	EndpointAddrHTTP  *string         `json:"endpoint_addr_http"`
	EndpointAddrGRPC  *string         `json:"endpoint_addr_grpc"`
	DatabaseDSN       *string         `json:"database_dsn"`
	SecretKey         *string         `json:"secret_key"`
	RedisAddr         *string         `json:"redis_addr"`
	RedisPassword     *string         `json:"redis_password"`
	RedisDB           *int            `json:"redis_db"`
	S3RootUser        *string         `json:"s3_root_user"`
	S3RootPassword    *string         `json:"s3_root_password"`
	S3Bucket          *string         `json:"s3_bucket"`
	S3Region          *string         `json:"s3_region"`
	S3BaseEndpoint    *string         `json:"s3_base_endpoint"`
	PresenceTTL       *timex.Duration `json:"presence_ttl"`
	BlacklistTTL      *timex.Duration `json:"blacklist_ttl"`
	CleanupInterval   *timex.Duration `json:"cleanup_interval"`
	HandshakeTimeout  *timex.Duration `json:"handshake_timeout"`
	ReconcileInterval *timex.Duration `json:"reconcile_interval"`
	AdminIdentities   []string        `json:"admin_identities"`
}

// parseJson overlays values from the file named by -c/-config. Without the
// flag nothing is loaded. An unreadable or invalid file panics.
func parseJson(config *Config, args []string) {
	path := flagx.ConfigFileFlag(args)
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RedisPassword, c.RedisPassword)
	if c.RedisDB != nil {
		config.RedisDB = *c.RedisDB
	}
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)

	if c.PresenceTTL != nil {
		config.PresenceTTL = c.PresenceTTL.Duration
	}
	if c.BlacklistTTL != nil {
		config.BlacklistTTL = c.BlacklistTTL.Duration
	}
	if c.CleanupInterval != nil {
		config.CleanupInterval = c.CleanupInterval.Duration
	}
	if c.HandshakeTimeout != nil {
		config.HandshakeTimeout = c.HandshakeTimeout.Duration
	}
	if c.ReconcileInterval != nil {
		config.ReconcileInterval = c.ReconcileInterval.Duration
	}
	if c.AdminIdentities != nil {
		config.AdminIdentities = c.AdminIdentities
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
