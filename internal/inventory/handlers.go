package inventory

import "context"

// Observer receives stock change notifications once the transaction committed.
type Observer interface {
	HandleStockChanged(ctx context.Context, evt StockChangedEvent)
}

// Observers fans an event out to several observers.
type Observers []Observer

// HandleStockChanged implements Observer.
func (o Observers) HandleStockChanged(ctx context.Context, evt StockChangedEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.HandleStockChanged(ctx, evt)
		}
	}
}

// Notify is a nil-safe helper for services holding an optional observer.
func Notify(ctx context.Context, obs Observer, evt StockChangedEvent) {
	if obs == nil || len(evt.ProductIDs) == 0 {
		return
	}
	obs.HandleStockChanged(ctx, evt)
}
