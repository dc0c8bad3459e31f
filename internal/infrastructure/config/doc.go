// Package config handles loading and validating the IoT agent configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with IOTA_* environment variables
//   - Validation of required connection settings
//
// Validation failures wrap ErrBadConfiguration and are fatal at startup.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.ContextBroker.URL)
package config
