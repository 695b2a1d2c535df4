package startup

import (
	"context"

	"github.com/matrix-org/meshcall/pkg/transport"
	"github.com/matrix-org/meshcall/pkg/worker"
	"github.com/sirupsen/logrus"
)

const signalingQueueSize = 256

// Sends the outgoing signaling messages in order without blocking the sequencer.
type signalingWorker struct {
	worker *worker.Worker[transport.Message]
	logger *logrus.Entry
}

func newSignalingWorker(ctx context.Context, sender SignalingTransport, logger *logrus.Entry) *signalingWorker {
	workerConfig := worker.Config[transport.Message]{
		ChannelSize: signalingQueueSize,
		OnTask: func(message transport.Message) {
			if err := sender.Send(ctx, message); err != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"type":     message.Type,
					"receiver": message.Receiver,
				}).Error("failed to send signaling message")
			}
		},
	}

	return &signalingWorker{
		worker: worker.StartWorker(workerConfig),
		logger: logger,
	}
}

// Flushes the queued messages and stops. Safe to call more than once.
func (w *signalingWorker) stop() {
	w.worker.Stop()
}

func (w *signalingWorker) send(message transport.Message) {
	if err := w.worker.Send(message); err != nil {
		w.logger.WithError(err).WithField("type", message.Type).Error("dropping signaling message")
	}
}
