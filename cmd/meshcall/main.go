/*
Copyright 2022 The Matrix.org Foundation C.I.C.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/matrix-org/meshcall/pkg/config"
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/peer"
	"github.com/matrix-org/meshcall/pkg/pool"
	"github.com/matrix-org/meshcall/pkg/profiling"
	"github.com/matrix-org/meshcall/pkg/signaling"
	"github.com/matrix-org/meshcall/pkg/startup"
	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/matrix-org/meshcall/pkg/telemetry"
	"github.com/matrix-org/meshcall/pkg/transport"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// Parse command line flags.
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		roomID         = flag.String("room", "", "room to join, overrides the config")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
		autoSkip       = flag.Bool("autoSkip", false, "skip the phases that wait for a decision")
	)
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	logger := logrus.WithField("app", "meshcall")

	stopProfiling, err := profiling.Start(profiling.Config{CPUProfile: *cpuProfile, MemoryProfile: *memProfile}, logger)
	if err != nil {
		logger.WithError(err).Fatal("could not start profiling")
	}
	defer stopProfiling()

	// Load the config file from the environment variable or path.
	config, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logger.WithError(err).Fatal("could not load config")
		return
	}

	if *roomID != "" {
		config.Room = *roomID
	}

	setLogLevel(config.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signal interruptions.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	shutdownTelemetry, err := telemetry.SetupTelemetry(ctx, config.Telemetry)
	if err != nil {
		logger.WithError(err).Fatal("could not set up telemetry")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.WithError(err).Warn("could not flush telemetry")
		}
	}()

	backing, identity, closeStore, err := openStore(ctx, config.Store, logger)
	if err != nil {
		logger.WithError(err).Fatal("could not open the backing store")
	}
	defer closeStore()

	source := media.NewSyntheticSource(logger)
	defer source.Close()

	remoteTracks := newRemoteTrackStats(logger)

	sequencer := startup.NewSequencer(ctx, startup.Config{
		RoomID:      config.Room,
		Constraints: config.Media,
		Timeouts:    config.Timeouts,
	}, startup.Dependencies{
		Identity:  identity,
		Media:     source,
		Transport: transport.NewTransport(backing, transport.Config{PollInterval: config.Timeouts.PollInterval}, logger),
		NewPool: startup.NewPoolFactory(
			config.ICE,
			pool.Config{DisconnectGrace: config.Timeouts.DisconnectGrace},
			logger,
		),
		OnEvent: remoteTracks.onEvent,
	}, logger)

	sequencer.OnStateChange(decisionHandler(*autoSkip, sequencer.Skip, logger))

	if err := sequencer.Start(); err != nil {
		logger.WithError(err).Fatal("could not start")
	}
	defer sequencer.Close()

	go func() {
		if err := sequencer.Wait(ctx); err != nil {
			logger.WithError(err).Error("could not join the call")
			signals <- syscall.SIGTERM
			return
		}

		logger.WithFields(logrus.Fields{
			"room_id":        sequencer.RoomID(),
			"participant_id": sequencer.ParticipantID(),
		}).Info("in the call, share the room id to let others join")
	}()

	<-signals
	logger.Info("leaving the call")
	sequencer.Close()
	remoteTracks.report()
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// Opens the configured backing store together with the identity provider that goes with it.
func openStore(
	ctx context.Context,
	storeConfig config.Store,
	logger *logrus.Entry,
) (store.Store, store.IdentityProvider, func(), error) {
	noop := func() {}

	switch storeConfig.Backend {
	case config.BackendRedis:
		redisStore, err := store.NewRedisStore(ctx, storeConfig.Redis)
		if err != nil {
			return nil, nil, nil, err
		}

		closeRedis := func() {
			if err := redisStore.Close(); err != nil {
				logger.WithError(err).Warn("could not close the Redis client")
			}
		}
		return redisStore, store.NewStaticIdentity(storeConfig.UserID), closeRedis, nil
	case config.BackendHTTP:
		httpStore := store.NewHTTPStore(storeConfig.HTTP, nil)
		return httpStore, httpStore, noop, nil
	case config.BackendMatrix:
		matrixStore, err := signaling.NewMatrixStore(storeConfig.Matrix, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return matrixStore, matrixStore, noop, nil
	default:
		logger.Warn("using the in-memory store, only participants of this process can join")
		return store.NewMemoryStore(), store.NewStaticIdentity(storeConfig.UserID), noop, nil
	}
}

// Counts the packets received on the remote tracks.
type remoteTrackStats struct {
	logger  *logrus.Entry
	tracks  atomic.Int64
	packets atomic.Int64
}

func newRemoteTrackStats(logger *logrus.Entry) *remoteTrackStats {
	return &remoteTrackStats{logger: logger}
}

func (s *remoteTrackStats) onEvent(event pool.Event) {
	added, ok := event.Content.(peer.RemoteTrackAdded)
	if !ok {
		return
	}

	s.tracks.Add(1)
	logger := s.logger.WithFields(logrus.Fields{
		"participant_id": event.ParticipantID,
		"track_id":       added.Track.ID(),
		"kind":           added.Track.Kind(),
	})

	go func() {
		var packets int64
		err := media.DrainRemoteTrack(added.Track, func(*rtp.Packet) {
			packets++
			s.packets.Add(1)
		})
		if err != nil {
			logger.WithError(err).Debug("remote track read failed")
		}
		logger.WithField("packets", packets).Info("remote track ended")
	}()
}

func (s *remoteTrackStats) report() {
	s.logger.WithFields(logrus.Fields{
		"tracks":  s.tracks.Load(),
		"packets": s.packets.Load(),
	}).Info("received media")
}
