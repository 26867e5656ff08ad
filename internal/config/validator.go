package config

import (
	"fmt"
	"strings"
)

// validate checks the configuration for missing or inconsistent settings.
func validate(cfg *Config) error {
	var problems []string

	if cfg.Service.Name == "" {
		problems = append(problems, "service.name is required")
	}
	if cfg.Service.DefaultWorkspace == "" {
		problems = append(problems, "service.default_workspace is required")
	}
	if cfg.Service.ScratchDir == "" {
		problems = append(problems, "service.scratch_dir is required")
	}

	if cfg.Broker.Host == "" {
		problems = append(problems, "broker.host is required")
	}
	if cfg.Broker.Exchange == "" {
		problems = append(problems, "broker.exchange is required")
	}
	if cfg.Broker.InputQueue == "" {
		problems = append(problems, "broker.input_queue is required")
	}
	if cfg.Broker.ReportRoutingPrefix == "" {
		problems = append(problems, "broker.report_routing_prefix is required")
	}
	if cfg.Broker.Prefetch <= 0 {
		problems = append(problems, "broker.prefetch must be positive")
	}
	if cfg.Broker.AckEvery <= 0 {
		problems = append(problems, "broker.ack_every must be positive")
	}
	tlsFields := 0
	for _, f := range []string{cfg.Broker.CACertFile, cfg.Broker.CertFile, cfg.Broker.KeyFile} {
		if f != "" {
			tlsFields++
		}
	}
	if tlsFields != 0 && tlsFields != 3 {
		problems = append(problems, "broker TLS requires ca_cert_file, cert_file and key_file together")
	}

	if cfg.Database.Host == "" {
		problems = append(problems, "database.host is required")
	}
	if cfg.Database.Name == "" {
		problems = append(problems, "database.name is required")
	}

	if cfg.Catalog.URL == "" {
		problems = append(problems, "catalog.url is required")
	}
	if cfg.Serving.URL == "" {
		problems = append(problems, "serving.url is required")
	}
	if cfg.Serving.DataDir == "" {
		problems = append(problems, "serving.data_dir is required")
	}

	for _, field := range []string{
		cfg.Broker.Password, cfg.Database.Password, cfg.Catalog.OAuthPass, cfg.Serving.Password,
	} {
		if strings.Contains(field, "${") {
			problems = append(problems, "unresolved environment variable in a credential field")
			break
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
