package catalog

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/drluca/shopflow/internal/eventbus"
	"github.com/drluca/shopflow/internal/events"
	"github.com/drluca/shopflow/internal/metrics"
)

// ConsumerID is the identity this service claims ledger entries under.
const ConsumerID = "catalog-service"

// Processor applies placed orders to the stock counts.
type Processor struct {
	store Store
	bus   eventbus.Publisher
}

func NewProcessor(store Store, bus eventbus.Publisher) *Processor {
	return &Processor{store: store, bus: bus}
}

// HandleOrderPlaced decrements stock for every line item of a placed
// order. Items the catalog cannot cover are reported per item and
// skipped; by the time this event arrives the order is already paid,
// so there is nothing left to veto.
func (p *Processor) HandleOrderPlaced(ctx context.Context, env events.Envelope, payload events.Payload) error {
	placed := payload.(*events.OrderPlaced)

	adjustments, err := p.store.DecrementForOrder(ctx, placed.Items)
	if err != nil {
		// The batch rolled back; redelivery starts from clean state.
		return err
	}

	// The decrements are committed now. A failed publish is logged and
	// acknowledged anyway: returning an error here would replay the
	// whole event and decrement the stock a second time.
	for _, adj := range adjustments {
		if adj.Insufficient {
			log.Error().
				Str("order_id", placed.OrderID).
				Str("product_id", adj.ProductID).
				Int("requested", adj.Requested).
				Int("available", adj.OldStock).
				Msg("insufficient stock for placed order")
			emitOrLog(ctx, p.bus, env.CorrelationID, events.StockAdjustmentFailed{
				OrderID:   placed.OrderID,
				ProductID: adj.ProductID,
				Requested: adj.Requested,
				Available: adj.OldStock,
			})
			continue
		}

		log.Info().
			Str("order_id", placed.OrderID).
			Str("product_id", adj.ProductID).
			Int("old_stock", adj.OldStock).
			Int("new_stock", adj.NewStock).
			Msg("stock decremented for placed order")
		emitOrLog(ctx, p.bus, env.CorrelationID, events.ProductStockUpdated{
			ProductID: adj.ProductID,
			OldStock:  adj.OldStock,
			NewStock:  adj.NewStock,
			Change:    adj.NewStock - adj.OldStock,
		})
	}

	return nil
}

// emitOrLog publishes a catalog event whose state change is already
// committed. Failure is recorded as an inconsistency instead of being
// surfaced, because retrying the commit would apply it twice.
func emitOrLog(ctx context.Context, bus eventbus.Publisher, correlationID string, payload events.Payload) {
	env, err := events.New(ConsumerID, correlationID, payload)
	if err == nil {
		_, err = bus.Publish(ctx, events.TopicProductEvents, env)
	}
	if err != nil {
		metrics.LostEmissions.WithLabelValues(ConsumerID, payload.EventType()).Inc()
		log.Error().Err(err).
			Str("event_type", payload.EventType()).
			Str("correlation_id", correlationID).
			Msg("catalog event lost; consumers disagree with the catalog until reconciled")
	}
}
