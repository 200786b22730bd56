package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// a type with service configuration parameters
type serviceConfig struct {
	// Name of the service instance (used in log messages and data file names).
	Name string `json:"name" yaml:"name"`
	// Port on which the service listens.
	Port int `json:"port" yaml:"port"`
	// Maximum number of allowed incoming connections.
	MaxConnections int `json:"maxConnections" yaml:"max_connections"`
	// Directory in which the service stores its journal and scratch files.
	DataDirectory string `json:"dataDirectory" yaml:"data_dir"`
	// Base64-encoded fernet key used to verify API keys. Leave empty to
	// disable authentication (e.g. behind a trusted proxy).
	Secret string `json:"secret" yaml:"secret"`
}

// a type with task engine configuration parameters
type engineConfig struct {
	// Selects the engine backend ("local" or "rq").
	Name string `json:"name" yaml:"name"`
	// Name of the registered pipeline provider workers run.
	Pipeline string `json:"pipeline" yaml:"pipeline"`
	// Number of workers processing tasks.
	NumWorkers int `json:"numWorkers" yaml:"num_workers"`
	// Maximum number of admitted-but-unfinished tasks (0 means unbounded).
	QueueMaxSize int `json:"queueMaxSize" yaml:"queue_max_size"`
	// Poll cadence for the synchronous (wait-in-request) flow (milliseconds).
	SyncPollInterval int `json:"syncPollInterval" yaml:"sync_poll_interval"`
	// Bound on the synchronous flow (seconds).
	MaxSyncWait int `json:"maxSyncWait" yaml:"max_sync_wait"`
	// If true, fetching a result schedules deletion of the task.
	SingleUseResults bool `json:"singleUseResults" yaml:"single_use_results"`
	// Delay before deletion on a single-use fetch (seconds).
	ResultRemovalDelay int `json:"resultRemovalDelay" yaml:"result_removal_delay"`
	// Zombie reaper cadence (seconds).
	SweepInterval int `json:"sweepInterval" yaml:"sweep_interval"`
	// Terminal tasks older than this are swept from memory (seconds).
	MaxAge int `json:"maxAge" yaml:"max_age"`
}

// a type with configuration parameters for the Redis-backed queue used by
// the distributed ("rq") engine
type rqConfig struct {
	// Address of the Redis server ("host:port").
	Address string `json:"address" yaml:"address"`
	// Prefix applied to every key written by the service.
	Prefix string `json:"prefix" yaml:"prefix"`
	// Per-job timeout (seconds).
	JobTimeout int `json:"jobTimeout" yaml:"job_timeout"`
	// How long terminal results and their projections live (seconds).
	ResultsTTL int `json:"resultsTtl" yaml:"results_ttl"`
	// How long a failed job's diagnostic data is retained (seconds);
	// defaults to ResultsTTL.
	FailureTTL int `json:"failureTtl" yaml:"failure_ttl"`
}

// global config variables
var Service serviceConfig
var Engine engineConfig
var RQ rqConfig

// This struct performs the unmarshalling from the YAML config file and then
// copies its fields to the globals above.
type configFile struct {
	Service serviceConfig `yaml:"service"`
	Engine  engineConfig  `yaml:"engine"`
	RQ      rqConfig      `yaml:"rq"`
}

// This helper reads a configuration file, returning an error indicating
// success or failure. All environment variables of the form ${ENV_VAR} are
// expanded.
func readConfig(bytes []byte) error {
	// Before we do anything else, expand any provided environment variables.
	bytes = []byte(os.ExpandEnv(string(bytes)))

	var conf configFile
	conf.Service.Name = "docserve"
	conf.Service.Port = 8080
	conf.Service.MaxConnections = 100
	conf.Engine.Name = "local"
	conf.Engine.Pipeline = "markdown"
	conf.Engine.NumWorkers = 2
	conf.Engine.SyncPollInterval = 5000 // milliseconds
	conf.Engine.MaxSyncWait = 120       // seconds
	conf.Engine.ResultRemovalDelay = 10
	conf.Engine.SweepInterval = 300
	conf.Engine.MaxAge = 3600
	conf.RQ.Address = "localhost:6379"
	conf.RQ.Prefix = "docserve:"
	conf.RQ.JobTimeout = 7200
	conf.RQ.ResultsTTL = 14400 // 4 hours
	err := yaml.Unmarshal(bytes, &conf)
	if err != nil {
		log.Printf("Couldn't parse configuration data: %s\n", err)
		return err
	}
	if conf.RQ.FailureTTL == 0 {
		conf.RQ.FailureTTL = conf.RQ.ResultsTTL
	}

	// Single-use results default on for the distributed engine, where evicting
	// fetched results keeps the external store small. A plain bool can't tell
	// "unset" from "false", so we peek at the raw document for an override.
	var overrides struct {
		Engine struct {
			SingleUseResults *bool `yaml:"single_use_results"`
		} `yaml:"engine"`
	}
	yaml.Unmarshal(bytes, &overrides)
	if overrides.Engine.SingleUseResults == nil {
		conf.Engine.SingleUseResults = conf.Engine.Name == "rq"
	}

	// copy the config data into place
	Service = conf.Service
	Engine = conf.Engine
	RQ = conf.RQ

	return err
}

// This helper validates the given service parameters, returning an
// error indicating success or failure.
func validateServiceParameters(params serviceConfig) error {
	if params.Port < 0 || params.Port > 65535 {
		return fmt.Errorf("Invalid port: %d (must be 0-65535)", params.Port)
	}
	if params.MaxConnections <= 0 {
		return fmt.Errorf("Invalid maxConnections: %d (must be positive)",
			params.MaxConnections)
	}
	if params.DataDirectory == "" {
		return fmt.Errorf("No data directory was specified!")
	}
	return nil
}

// This helper validates the given engine parameters, returning an error
// indicating success or failure.
func validateEngineParameters(params engineConfig) error {
	switch params.Name {
	case "local", "rq":
		// pass-through
	case "kfp":
		return fmt.Errorf("The kfp engine is recognized but not built in.")
	default:
		return fmt.Errorf("Unknown engine: %s", params.Name)
	}
	if params.NumWorkers < 1 {
		return fmt.Errorf("Invalid num_workers: %d (must be positive)",
			params.NumWorkers)
	}
	if params.QueueMaxSize < 0 {
		return fmt.Errorf("Invalid queue_max_size: %d (must be non-negative)",
			params.QueueMaxSize)
	}
	if params.SyncPollInterval <= 0 {
		return fmt.Errorf("Invalid sync_poll_interval: %d ms (must be positive)",
			params.SyncPollInterval)
	}
	if params.MaxSyncWait <= 0 {
		return fmt.Errorf("Invalid max_sync_wait: %d s (must be positive)",
			params.MaxSyncWait)
	}
	return nil
}

// This helper validates the configuration, returning an error that indicates
// success or failure.
func validateConfig() error {
	err := validateServiceParameters(Service)
	if err != nil {
		return err
	}
	err = validateEngineParameters(Engine)
	if err != nil {
		return err
	}
	if Engine.Name == "rq" && RQ.Address == "" {
		return fmt.Errorf("The rq engine requires an rq.address setting.")
	}
	return nil
}

// Initializes the service configuration using the given YAML byte data.
func Init(yamlData []byte) error {

	// Read the configuration from our YAML file.
	err := readConfig(yamlData)
	if err != nil {
		return err
	}

	// Validate the configuration.
	err = validateConfig()
	return err
}
