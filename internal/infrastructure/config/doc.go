// Package config handles loading and validating ebusd-go's configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (EBUSD_<SECTION>_<KEY>)
//   - Validation of required fields
//   - Default value handling
//
// Usage:
//
//	cfg, err := config.Load("/etc/ebusd-go/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bus.Device)
package config
