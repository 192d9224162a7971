package payment

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drluca/shopflow/config"
	"github.com/drluca/shopflow/internal/events"
)

// Currency is the only currency the simulated gateway settles in.
const Currency = "USD"

const (
	methodCreditCard  = "credit_card"
	codeCardDeclined  = "CARD_DECLINED"
	declinedByGateway = "The card was declined"
)

// Gateway simulates a card processor. When failure simulation is on,
// each charge is declined with the configured probability; otherwise
// every charge settles.
type Gateway struct {
	mu sync.Mutex
	// rng is guarded by mu; charges arrive from concurrent consumers.
	rng              *rand.Rand
	simulateFailures bool
	failureRate      float64
}

// NewGateway builds a gateway from service configuration.
func NewGateway(cfg config.Config) *Gateway {
	return newGateway(cfg.SimulateFailures, cfg.FailureRate, rand.NewSource(time.Now().UnixNano()))
}

func newGateway(simulate bool, rate float64, src rand.Source) *Gateway {
	return &Gateway{
		rng:              rand.New(src),
		simulateFailures: simulate,
		failureRate:      rate,
	}
}

// Charge runs one payment attempt and returns the resulting record.
// The record is not persisted; callers decide whether to keep it.
func (g *Gateway) Charge(orderID, userID string, amount float64) Payment {
	g.mu.Lock()
	declined := g.simulateFailures && g.rng.Float64() < g.failureRate
	lastFour := fmt.Sprintf("%d", 1000+g.rng.Intn(9000))
	g.mu.Unlock()

	now := time.Now().UTC()
	p := Payment{
		PaymentID:   events.NewID("pay"),
		OrderID:     orderID,
		UserID:      userID,
		Amount:      amount,
		Currency:    Currency,
		Method:      methodCreditCard,
		CreatedAt:   now,
		ProcessedAt: now,
	}

	if declined {
		p.Status = StatusFailed
		p.ErrorCode = codeCardDeclined
		p.ErrorMessage = declinedByGateway
		return p
	}

	p.Status = StatusCompleted
	p.CardLastFour = lastFour
	p.TransactionID = transactionID()
	return p
}

// transactionID mints the settlement reference the gateway would hand
// back, e.g. "txn-3f2a9c81b4d0".
func transactionID() string {
	u := uuid.New()
	return fmt.Sprintf("txn-%x", u[:6])
}
