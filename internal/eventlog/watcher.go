package eventlog

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

type Acker interface {
	AckRedeploy(ctx context.Context, req models.AckRedeployRequest) models.Response
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AckWatcher applies redeploy acknowledgements published by the deployer.
type AckWatcher struct {
	msgReader messageReader
	acker     Acker
	log       zerolog.Logger
}

func NewAckWatcher(nodeID models.NodeID, brokers []string, topic string, acker Acker) *AckWatcher {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		MaxBytes:    1024 * 1024,
		GroupID:     string(nodeID),
		StartOffset: kafka.LastOffset,
	})
	return &AckWatcher{
		msgReader: reader,
		acker:     acker,
		log:       log.With().Str("component", "ack-watcher").Logger(),
	}
}

func (w *AckWatcher) Run(ctx context.Context) error {
	for {
		msg, err := w.msgReader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			w.log.Warn().Err(err).Msg("failed to fetch ack message")
			continue
		}
		w.handle(ctx, msg)

		err = w.msgReader.CommitMessages(ctx, msg)
		if err != nil {
			w.log.Error().Err(err).Msg("failed to commit ack message: it may be applied twice")
		}
	}
}

func (w *AckWatcher) handle(ctx context.Context, msg kafka.Message) {
	req := models.AckRedeployRequest{}
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		w.log.Error().Err(err).Msgf("failed to decode ack message at offset %d", msg.Offset)
		return
	}
	rsp := w.acker.AckRedeploy(ctx, req)
	if !rsp.Code.IsSuccess() {
		w.log.Warn().Msgf("redeploy ack for root model %d failed: %s", req.RootModelID, rsp.Message)
		return
	}
	w.log.Info().Msgf("applied redeploy ack for root model %d", req.RootModelID)
}

func (w *AckWatcher) Close() error {
	return w.msgReader.Close()
}
