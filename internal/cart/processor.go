package cart

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drluca/shopflow/internal/events"
)

// ConsumerID is the identity this service claims ledger entries under.
const ConsumerID = "cart-service"

// Processor keeps stored carts in sync with catalog price changes.
type Processor struct {
	carts *Store
}

func NewProcessor(carts *Store) *Processor {
	return &Processor{carts: carts}
}

// HandleProductUpdated rewrites the unit price of matching items in
// every stored cart when a product's price changed. Reapplying the
// same price is a no-op, so redelivery after a partial failure simply
// finishes the job.
func (p *Processor) HandleProductUpdated(ctx context.Context, env events.Envelope, payload events.Payload) error {
	upd := payload.(*events.ProductUpdated)
	if _, ok := upd.Changes["price"]; !ok {
		// Name, description, or stock changes don't affect carts.
		return nil
	}
	newPrice := upd.Product.Price

	carts, err := p.carts.All(ctx)
	if err != nil {
		return err
	}

	synced := 0
	for _, c := range carts {
		touched := false
		for i := range c.Items {
			if c.Items[i].ProductID == upd.ProductID && c.Items[i].UnitPrice != newPrice {
				c.Items[i].UnitPrice = newPrice
				touched = true
			}
		}
		if !touched {
			continue
		}
		c.UpdatedAt = time.Now().UTC()
		if err := p.carts.Save(ctx, c); err != nil {
			return err
		}
		synced++
	}

	if synced > 0 {
		log.Info().Str("product_id", upd.ProductID).Float64("price", newPrice).
			Int("carts", synced).Msg("cart prices synced to product update")
	}
	return nil
}
