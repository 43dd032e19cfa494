package delivery

import (
	"context"

	"github.com/google/uuid"
	"github.com/vedran77/courtside/internal/domain"
	"github.com/vedran77/courtside/internal/metrics"
	"github.com/vedran77/courtside/pkg/logger"
)

// Publisher puts an event on the delivery channel: the local Hub, or a
// RedisRelay when several instances share the channel.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// ChannelNotifier implements service.Notifier on top of a Publisher.
type ChannelNotifier struct {
	pub Publisher
}

func NewChannelNotifier(pub Publisher) *ChannelNotifier {
	return &ChannelNotifier{pub: pub}
}

func (n *ChannelNotifier) NotifyInserted(ctx context.Context, msg *domain.Message) {
	n.publish(ctx, Event{
		Kind:       MessageInserted,
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		IsRead:     msg.IsRead,
	})
}

func (n *ChannelNotifier) NotifyRead(ctx context.Context, readerID, senderID uuid.UUID, ids []uuid.UUID) {
	for _, id := range ids {
		n.publish(ctx, Event{
			Kind:       MessageUpdated,
			MessageID:  id,
			SenderID:   senderID,
			ReceiverID: readerID,
			IsRead:     true,
		})
	}
}

func (n *ChannelNotifier) publish(ctx context.Context, evt Event) {
	if err := n.pub.Publish(ctx, evt); err != nil {
		// best-effort channel: consumers resync on reconnect
		logger.Warn().Err(err).Str("kind", string(evt.Kind)).Stringer("message_id", evt.MessageID).Msg("delivery: publish failed")
		return
	}
	metrics.DeliveryEvents.WithLabelValues(string(evt.Kind)).Inc()
}
