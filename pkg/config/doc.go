// Package config loads the configuration of the flowgraph command.
//
// Values are layered: Default, then an optional YAML file, then
// environment variables prefixed with FLOWGRAPH_. A file only needs the
// keys it changes:
//
//	log_level: debug
//	engine:
//	  max_parallel: 4
//	  default_timeout: 30s
//	cache:
//	  backend: redis
//	  redis:
//	    addr: redis:6379
//	    ttl: 24h
//	history:
//	  enabled: true
//	  path: /var/lib/flowgraph/history.db
//	telemetry:
//	  metrics:
//	    enabled: true
//	    listen_address: ":9090"
//
// Environment names follow the nesting, for example
// FLOWGRAPH_CACHE_REDIS_ADDR or FLOWGRAPH_TELEMETRY_LOG_FORMAT.
package config
