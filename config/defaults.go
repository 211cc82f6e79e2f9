package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "memlayer",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				RequestTimeout:  15 * time.Second,
				ShutdownTimeout: 10 * time.Second,
				MaxHeaderBytes:  1 << 20,  // 1MB
				MaxBodyBytes:    32 << 20, // 32MB
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
				MaxAge:         300,
			},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 50,
				Burst:             100,
				ClientTTL:         10 * time.Minute,
			},
			WebSocket: WebSocketConfig{
				Enabled:        true,
				MaxConnections: 100,
				WriteTimeout:   10 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Store: StoreConfig{
			Primary:     BackendInMemory,
			Secondaries: []string{},
			Composite: CompositeConfig{
				Concurrency: 1,
			},
			Redis: RedisStoreConfig{
				Address:     "localhost:6379",
				Prefix:      "memlayer",
				ScanCount:   100,
				ExpiryGrace: time.Minute,
				DialTimeout: 5 * time.Second,
			},
			SQL: SQLStoreConfig{
				Dialect:         "sqlite",
				DSN:             "file:./data/memlayer.db",
				Table:           "memory_entries",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
			},
			Badger: BadgerStoreConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1 << 30, // 1GB
				NumVersionsToKeep: 1,
				ExpiryGrace:       time.Minute,
				PageSize:          256,
			},
			Vector: VectorStoreConfig{
				Collection: "memories",
				Dimensions: 256,
				CacheSize:  10000,
			},
		},
		Cleanup: CleanupConfig{
			Enabled:  true,
			Schedule: "@every 1m",
			Timeout:  30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    10 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}
