// Package config handles loading and validating the vDC host configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (VDCHOST_*)
//   - Validation of required fields
//   - Default value handling
//
// The only setting the host strictly needs is the TCP port (default 4000);
// everything else has a working default. Default() is used unchanged when
// no configuration file is present.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Host.Port)
//
// Security Considerations:
//   - MQTT and InfluxDB credentials should be set via environment variables
//   - The config file should have restricted permissions (0600)
package config
