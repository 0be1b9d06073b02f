// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/memblk/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Capacity    int64 `toml:"capacity" env:"MEMBLK_CAPACITY" env-default:"131072" env-description:"Device capacity in 512 B sectors."`
	MaxMemory   int64 `toml:"max_memory" env:"MEMBLK_MAX_MEMORY" env-default:"0" env-description:"Upper limit for the backing memory in MB. 0 means no limit."`
	SegmentSize int   `toml:"segment_size" env:"MEMBLK_SEGMENT_SIZE" env-default:"4096" env-description:"Maximal size of one scatter-gather segment in bytes."`
	Serialize   bool  `toml:"serialize" env:"MEMBLK_SERIALIZE" env-default:"true" env-description:"Serialize all requests through one worker. Without it overlapping concurrent requests race."`

	Major      int  `toml:"major" env:"MEMBLK_MAJOR" env-default:"0" env-description:"Device major. Decimal part of /dev/buse%d."`
	Threads    int  `toml:"threads" env:"MEMBLK_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
	BlockSize  int  `toml:"block_size" env:"MEMBLK_BLOCKSIZE" env-default:"4096" env-description:"Block size."`
	Scheduler  bool `toml:"scheduler" env:"MEMBLK_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
	QueueDepth int  `toml:"queue_depth" env:"MEMBLK_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`

	Write struct {
		Durable       bool `toml:"durable" env:"MEMBLK_WRITE_DURABLE" env-description:"Flush semantics. True means durable, false means barrier only." env-default:"false"`
		BufSize       int  `toml:"shared_buffer_size" env:"MEMBLK_WRITE_BUFSIZE" env-description:"Write shared memory size in MB." env-default:"32"`
		ChunkSize     int  `toml:"chunk_size" env:"MEMBLK_WRITE_CHUNKSIZE" env-description:"Chunk size in MB." env-default:"4"`
		CollisionSize int  `toml:"collision_chunk_size" env:"MEMBLK_WRITE_COLSIZE" env-description:"Collision size in MB." env-default:"1"`
	} `toml:"write"`

	Read struct {
		BufSize int `toml:"shared_buffer_size" env:"MEMBLK_READ_BUFSIZE" env-description:"Read shared memory size in MB." env-default:"32"`
	} `toml:"read"`

	Export struct {
		Enabled   bool   `toml:"enabled" env:"MEMBLK_EXPORT_ENABLED" env-description:"Upload device image to S3 when the device is removed." env-default:"false"`
		Bucket    string `toml:"bucket" env:"MEMBLK_EXPORT_BUCKET" env-description:"S3 Bucket name." env-default:"memblk"`
		Remote    string `toml:"remote" env:"MEMBLK_EXPORT_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"MEMBLK_EXPORT_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"MEMBLK_EXPORT_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"MEMBLK_EXPORT_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Uploaders int    `toml:"uploaders" env:"MEMBLK_EXPORT_UPLOADERS" env-description:"S3 Max number of uploader threads." env-default:"16"`
		ChunkSize int    `toml:"chunk_size" env:"MEMBLK_EXPORT_CHUNKSIZE" env-description:"Size of one image object in MB." env-default:"4"`
		Prefix    string `toml:"prefix" env:"MEMBLK_EXPORT_PREFIX" env-description:"Key prefix of the image objects." env-default:"image"`
	} `toml:"export"`

	Log struct {
		Level  int  `toml:"level" env:"MEMBLK_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"MEMBLK_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"MEMBLK_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"MEMBLK_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup(os.Args[1:])
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	postprocess(&Cfg)

	return nil
}

// Converts sizes given in MB to bytes and fixes values the BUSE module does
// not accept.
func postprocess(c *Config) {
	c.MaxMemory *= 1024 * 1024
	c.Write.BufSize *= 1024 * 1024
	c.Write.ChunkSize *= 1024 * 1024
	c.Write.CollisionSize *= 1024 * 1024
	c.Read.BufSize *= 1024 * 1024
	c.Export.ChunkSize *= 1024 * 1024

	if c.BlockSize != 512 {
		c.BlockSize = 4096
	}
}

// Handle program flags.
func flagSetup(args []string) {
	f := flag.NewFlagSet("memblk", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(args)
}
