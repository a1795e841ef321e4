package config

import (
	"fmt"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := checkResolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
	}

	ex := cfg.Execution
	if ex.Timeout <= 0 {
		return fmt.Errorf("execution.timeout must be positive")
	}
	if ex.TerminationGrace < 0 {
		return fmt.Errorf("execution.termination_grace must not be negative")
	}
	if ex.Queue.ConcurrentLimit <= 0 {
		return fmt.Errorf("execution.queue.concurrent_limit must be positive")
	}
	if ex.Queue.MaxQueueSize < 0 {
		return fmt.Errorf("execution.queue.max_queue_size must not be negative")
	}
	if ex.Streaming.MaxOutputSize <= 0 {
		return fmt.Errorf("execution.streaming.max_output_size must be positive")
	}
	if ex.Streaming.MaxLineLength <= 0 {
		return fmt.Errorf("execution.streaming.max_line_length must be positive")
	}

	if cfg.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if cfg.Health.CacheTTL <= 0 {
		return fmt.Errorf("health.cache_ttl must be positive")
	}

	in := cfg.Integrations
	if in.Bolt.Enabled {
		if strings.TrimSpace(in.Bolt.Command) == "" {
			return fmt.Errorf("integrations.bolt.command is required")
		}
		for k, v := range in.Bolt.Env {
			if err := checkResolved("integrations.bolt.env."+k, v); err != nil {
				return err
			}
		}
	}
	if err := validateHTTP("puppetdb", in.PuppetDB); err != nil {
		return err
	}
	if err := validateHTTP("prometheus", in.Prometheus.HTTPConfig); err != nil {
		return err
	}
	return nil
}

func validateHTTP(name string, c HTTPConfig) error {
	if !c.Enabled {
		return nil
	}
	prefix := "integrations." + name
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s.server_url must be an absolute URL (got %q)", prefix, c.ServerURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s.server_url must use http or https (got %q)", prefix, u.Scheme)
	}
	if err := checkResolved(prefix+".token", c.Token); err != nil {
		return err
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%s.rate_limit must not be negative", prefix)
	}
	if (c.TLS.ClientCert == "") != (c.TLS.ClientKey == "") {
		return fmt.Errorf("%s.tls.client_cert and client_key must be set together", prefix)
	}
	return nil
}

// checkResolved rejects values that still hold a ${VAR} placeholder.
func checkResolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
