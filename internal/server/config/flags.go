package config

import (
	"flag"
	"strings"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/flagx"
)

var serverFlags = []string{"-a", "-h", "-d", "-s", "-r", "-w", "-n", "-u", "-p", "-b", "-g", "-e", "-t", "-l", "-i", "-k", "-o", "-m"}

// parseFlags overlays command-line flags on config.
//
// Supported flags:
//
//	-a string   HTTP/websocket bind address (e.g. ":3000")
//	-h string   gRPC health bind address
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-r string   Redis address
//	-w string   Redis password
//	-n int      Redis database
//	-u/-p/-b/-g/-e  S3 user, password, bucket, region, base endpoint
//	-t int      presence TTL, seconds
//	-l int      blacklist TTL, hours
//	-i int      cleanup interval, minutes
//	-k int      handshake timeout, seconds
//	-o int      reconcile interval, minutes
//	-m string   comma-separated admin identities
//
// It panics on malformed input, as the JSON overlay does.
func parseFlags(config *Config, args []string) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "address and port to serve HTTP and websocket")
	fs.StringVar(&config.EndpointAddrGRPC, "h", config.EndpointAddrGRPC, "address and port to serve gRPC health")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "redis address")
	fs.StringVar(&config.RedisPassword, "w", config.RedisPassword, "redis password")
	fs.IntVar(&config.RedisDB, "n", config.RedisDB, "redis database")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	presenceTTL := fs.Int("t", int(config.PresenceTTL.Seconds()), "presence ttl (in seconds)")
	blacklistTTL := fs.Int("l", int(config.BlacklistTTL.Hours()), "blacklist ttl (in hours)")
	cleanupInterval := fs.Int("i", int(config.CleanupInterval.Minutes()), "cleanup interval (in minutes)")
	handshakeTimeout := fs.Int("k", int(config.HandshakeTimeout.Seconds()), "handshake timeout (in seconds)")
	reconcileInterval := fs.Int("o", int(config.ReconcileInterval.Minutes()), "reconcile interval (in minutes)")
	admins := fs.String("m", strings.Join(config.AdminIdentities, ","), "comma-separated admin identities")

	if err := fs.Parse(flagx.FilterArgs(args, serverFlags)); err != nil {
		panic(err)
	}

	config.PresenceTTL = time.Duration(*presenceTTL) * time.Second
	config.BlacklistTTL = time.Duration(*blacklistTTL) * time.Hour
	config.CleanupInterval = time.Duration(*cleanupInterval) * time.Minute
	config.HandshakeTimeout = time.Duration(*handshakeTimeout) * time.Second
	config.ReconcileInterval = time.Duration(*reconcileInterval) * time.Minute
	config.AdminIdentities = splitList(*admins)
}

// splitList splits a comma-separated list, dropping blanks. It returns nil
// for an empty list.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
