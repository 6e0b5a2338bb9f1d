// Package config provides loading and environment overlay for codeq runtime
// configuration. It exposes a Default() baseline, JSON file loading, and a
// CODEQ_* environment overlay applied on top of whatever was loaded.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/codeq.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
