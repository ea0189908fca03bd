package edge

import (
	"go.uber.org/zap"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/internal/protocol"
)

// Indicator renders local feedback (LEDs, a screen) for the agent
type Indicator interface {
	Connection(up bool)
	Wake(ev entities.WakeEvent)
	Status(state entities.Phase)
	Transcript(text string)
	Response(resp protocol.ResponseData)
}

// LogIndicator reports feedback through the logger
type LogIndicator struct {
	logger *zap.Logger
}

var _ Indicator = (*LogIndicator)(nil)

func NewLogIndicator(logger *zap.Logger) *LogIndicator {
	return &LogIndicator{logger: logger.With(zap.String("component", "indicator"))}
}

func (i *LogIndicator) Connection(up bool) {
	if up {
		i.logger.Info("Host connection up")
		return
	}
	i.logger.Warn("Host connection down")
}

func (i *LogIndicator) Wake(ev entities.WakeEvent) {
	i.logger.Info("Wake", zap.String("label", ev.Label), zap.Float64("confidence", ev.Confidence))
}

func (i *LogIndicator) Status(state entities.Phase) {
	i.logger.Info("Status", zap.String("state", string(state)))
}

func (i *LogIndicator) Transcript(text string) {
	i.logger.Info("Heard", zap.String("text", text))
}

func (i *LogIndicator) Response(resp protocol.ResponseData) {
	i.logger.Info("Reply",
		zap.String("text", resp.Text),
		zap.String("command", resp.Command),
		zap.String("emotion", resp.Emotion),
		zap.Bool("fallback", resp.Fallback))
}
