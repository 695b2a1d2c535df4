package main

import (
	"github.com/matrix-org/meshcall/pkg/startup"
	"github.com/sirupsen/logrus"
)

// Returns the state handler that answers the phases waiting for the user. With `autoSkip`
// they are skipped, otherwise the sequence keeps waiting until the master timeout ends it.
func decisionHandler(autoSkip bool, skip func(startup.Phase) error, logger *logrus.Entry) func(startup.State) {
	return func(state startup.State) {
		if state.Awaiting == nil {
			return
		}

		phase := state.Phase
		logger := logger.WithError(state.Awaiting).WithField("phase", phase)

		if !autoSkip {
			logger.Warn("waiting for a decision, run with -autoSkip to skip such phases")
			return
		}

		// The handler runs on the sequencer's loop, skipping from there would deadlock.
		go func() {
			if err := skip(phase); err != nil {
				logger.WithError(err).Warn("could not skip phase")
			}
		}()
	}
}
