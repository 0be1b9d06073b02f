// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// memblk is a userspace daemon using BUSE for creating a block device backed
// by a region of memory. The content lives only as long as the daemon, an
// image of it can optionally be uploaded to S3 when the device is removed.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/memblk contains the device itself, its backing store, request
// dispatching and lifecycle. It knows nothing about BUSE.
//
// - internal/blkdev connects memblk device with the BUSE library and contains
// the image export.
//
// - internal/config contains configuration package.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/buse/lib/go/buse"
	"github.com/asch/memblk/internal/blkdev"
	"github.com/asch/memblk/internal/config"
	"github.com/asch/memblk/internal/memblk"
)

// Parse configuration from file and environment variables, creates a memblk
// device, wraps it into BuseReadWriter and creates new buse device with it.
// The device is ran until it is signaled by SIGINT or SIGTERM to gracefully
// finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	buseReadWriter, err := blkdev.NewWithDefaults()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	buse, err := buse.New(buseReadWriter, buse.Options{
		Durable:        config.Cfg.Write.Durable,
		WriteChunkSize: int64(config.Cfg.Write.ChunkSize),
		BlockSize:      int64(config.Cfg.BlockSize),
		Threads:        int(config.Cfg.Threads),
		Major:          int64(config.Cfg.Major),
		WriteShmSize:   int64(config.Cfg.Write.BufSize),
		ReadShmSize:    int64(config.Cfg.Read.BufSize),
		Size:           config.Cfg.Capacity * memblk.SectorSize,
		CollisionArea:  int64(config.Cfg.Write.CollisionSize),
		QueueDepth:     int64(config.Cfg.QueueDepth),
		Scheduler:      config.Cfg.Scheduler,
	})

	if err != nil {
		buseReadWriter.Destroy()
		log.Panic().Err(err).Send()
	}

	log.Info().Msgf("BUSE device %d registered!", config.Cfg.Major)

	registerSigHandlers(buse)

	buse.Run()

	log.Info().Msgf("Removing buse%d", config.Cfg.Major)
	if err := buse.RemoveDevice(); err != nil {
		log.Info().Err(err).Send()
	}
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(buse buse.Buse) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msgf("Received interrupt, stopping buse%d device!", config.Cfg.Major)
		if err := buse.StopDevice(); err != nil {
			log.Info().Err(err).Send()
		}
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
