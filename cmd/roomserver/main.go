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
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matrix-org/meshcall/pkg/roomserver"
	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configFilePath := flag.String("config", "roomserver.yaml", "configuration file path")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	logger := logrus.WithField("app", "roomserver")

	config, err := roomserver.LoadConfig(*configFilePath)
	if err != nil {
		logger.WithError(err).Fatal("could not load config")
		return
	}

	if level, err := logrus.ParseLevel(config.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	if logrus.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var backing store.Store
	switch config.Backend {
	case roomserver.BackendRedis:
		redisStore, err := store.NewRedisStore(ctx, config.Redis)
		if err != nil {
			logger.WithError(err).Fatal("could not connect to Redis")
		}
		defer redisStore.Close()
		backing = redisStore
	default:
		backing = store.NewMemoryStore()
	}

	server := roomserver.NewServer(backing, store.NewTokenIssuer(config.JWTSecret, config.TokenTTL), logger)
	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"listen":  config.Listen,
			"backend": config.Backend,
		}).Info("serving rooms")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("could not shut down gracefully")
	}
}
