// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/united-manufacturing-hub/petsync/pkg/env"
)

const (
	backendPostgres = "postgres"
	backendSQLite   = "sqlite"
	backendMemory   = "memory"

	authBasic  = "basic"
	authJWT    = "jwt"
	authHeader = "header"
)

type config struct {
	httpAddr    string
	metricsAddr string
	healthAddr  string

	storeBackend string
	postgresURL  string
	sqlitePath   string

	pullDefaultLimit int
	pullMaxLimit     int
	pushMaxOps       int
	pushParallelism  int
	commitRetries    int

	registryFile string
	opCacheSize  int

	redisURI      string
	redisPassword string

	authMode     string
	authAccounts string
	jwtSecret    string

	sentryDSN       string
	version         string
	shutdownTimeout time.Duration
}

// loadConfig reads the configuration from the environment. The first invalid
// value aborts with its error.
func loadConfig() (config, error) {
	var (
		cfg  config
		errs []error
	)

	str := func(key string, required bool, def string) string {
		v, err := env.GetAsString(key, required, def)
		errs = append(errs, err)

		return v
	}

	num := func(key string, def int) int {
		v, err := env.GetAsInt(key, false, def)
		errs = append(errs, err)

		return v
	}

	cfg.httpAddr = str("HTTP_ADDR", false, ":8080")
	cfg.metricsAddr = str("METRICS_ADDR", false, ":2112")
	cfg.healthAddr = str("HEALTH_ADDR", false, ":8086")

	cfg.storeBackend = str("STORE_BACKEND", false, backendPostgres)
	cfg.sqlitePath = str("SQLITE_PATH", false, "/data/petsync.db")

	cfg.pullDefaultLimit = num("SYNC_PULL_DEFAULT_LIMIT", 100)
	cfg.pullMaxLimit = num("SYNC_PULL_MAX_LIMIT", 500)
	cfg.pushMaxOps = num("SYNC_PUSH_MAX_OPS", 500)
	cfg.pushParallelism = num("SYNC_PUSH_PARALLELISM", 8)
	cfg.commitRetries = num("SYNC_COMMIT_RETRIES", 3)

	cfg.registryFile = str("ENTITY_REGISTRY_FILE", false, "")
	cfg.opCacheSize = num("OPCACHE_SIZE", 10000)

	cfg.redisURI = str("REDIS_URI", false, "")
	cfg.redisPassword = str("REDIS_PASSWORD", false, "")

	cfg.authMode = str("AUTH_MODE", false, authBasic)
	cfg.authAccounts = str("AUTH_ACCOUNTS", false, "")
	cfg.jwtSecret = str("JWT_SECRET", false, "")

	cfg.sentryDSN = str("SENTRY_DSN", false, "")
	cfg.version = str("VERSION", false, "0.0.0-dev")

	timeout, err := env.GetAsDuration("SHUTDOWN_TIMEOUT", false, 3*time.Second)
	errs = append(errs, err)
	cfg.shutdownTimeout = timeout

	if cfg.storeBackend == backendPostgres {
		cfg.postgresURL = postgresURL(
			str("POSTGRES_HOST", false, "db"),
			num("POSTGRES_PORT", 5432),
			str("POSTGRES_USER", true, ""),
			str("POSTGRES_PASSWORD", true, ""),
			str("POSTGRES_DATABASE", false, "petsync"),
			str("POSTGRES_SSL_MODE", false, "require"),
		)
	}

	for _, err := range errs {
		if err != nil {
			return config{}, err
		}
	}

	switch cfg.storeBackend {
	case backendPostgres, backendSQLite, backendMemory:
	default:
		return config{}, fmt.Errorf("unknown STORE_BACKEND %q", cfg.storeBackend)
	}

	switch cfg.authMode {
	case authBasic, authJWT, authHeader:
	default:
		return config{}, fmt.Errorf("unknown AUTH_MODE %q", cfg.authMode)
	}

	return cfg, nil
}

func postgresURL(host string, port int, user, password, database, sslMode string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     database,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}

	return u.String()
}
