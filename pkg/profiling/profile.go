package profiling

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

// Profiles to write. An empty path disables the profile.
type Config struct {
	CPUProfile    string
	MemoryProfile string
}

// Starts the configured profiles and returns the function that finishes them. The CPU profile
// covers the whole run, the heap profile is taken when the returned function is called.
func Start(config Config, logger *logrus.Entry) (stop func(), err error) {
	var stops []func()

	if config.CPUProfile != "" {
		stopCPU, err := startCPUProfile(config.CPUProfile, logger)
		if err != nil {
			return nil, err
		}
		stops = append(stops, stopCPU)
	}

	if config.MemoryProfile != "" {
		path := config.MemoryProfile
		logger.WithField("path", path).Info("heap profile will be written on exit")
		stops = append(stops, func() {
			if err := writeHeapProfile(path); err != nil {
				logger.WithError(err).Error("could not write heap profile")
			}
		})
	}

	return func() {
		for _, stop := range stops {
			stop()
		}
	}, nil
}

func startCPUProfile(path string, logger *logrus.Entry) (func(), error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("could not create CPU profile: %w", err)
	}

	if err := pprof.StartCPUProfile(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("could not start CPU profile: %w", err)
	}

	logger.WithField("path", path).Info("CPU profiling started")

	return func() {
		pprof.StopCPUProfile()

		if err := file.Close(); err != nil {
			logger.WithError(err).Error("could not close CPU profile")
		}
	}, nil
}

func writeHeapProfile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create heap profile: %w", err)
	}
	defer file.Close()

	runtime.GC()

	if err := pprof.WriteHeapProfile(file); err != nil {
		return fmt.Errorf("could not write heap profile: %w", err)
	}

	return nil
}
