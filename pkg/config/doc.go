// Package config loads lab definitions and the labforge configuration file.
//
// # Lab definitions
//
// A lab definition may be written in CUE, YAML or JSON; the format follows
// the file extension. Every definition is unified with the built-in #Lab
// schema and then checked against the struct validation tags of
// LabDefinition:
//
//	lab: {
//	    name:     "webstack"
//	    provider: "vps"
//	    provider_config: region: "fra1"
//	    machines: [
//	        {name: "web", cpu: 2, ram: 4, software: ["nginx"]},
//	        {name: "db", storage: 50, software: ["postgresql"]},
//	    ]
//	}
//
// CUE sources may hold the lab at the top level or under a "lab" field.
// Errors are returned as a configuration error wrapping ValidationErrors,
// each carrying the file position when CUE reports one.
//
// # Application configuration
//
// Load reads a YAML file over DefaultAppConfig. LABFORGE_DATA_DIR and
// LOG_LEVEL override the file, and empty or relative paths are resolved
// under the data directory:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	store, err := stores.NewSQLiteStore(cfg.StoreConfig())
package config
