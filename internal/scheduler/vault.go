package scheduler

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/alert"
	"funding_keeper/internal/diag"
	"funding_keeper/internal/journal"
	"funding_keeper/internal/unwind"
	"funding_keeper/internal/vault"
)

// consumeVaultEvents ranges over the capital stream until it closes or
// ctx ends.
func (s *Scheduler) consumeVaultEvents(ctx context.Context) {
	if s.events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.events.Events():
			if !ok {
				s.logger.Info("Vault stream closed")
				return
			}
			s.HandleVaultEvent(ctx, ev)
		}
	}
}

// HandleVaultEvent maps one capital instruction onto keeper actions.
func (s *Scheduler) HandleVaultEvent(ctx context.Context, ev vault.Event) {
	s.logger.Info("Vault event",
		"type", string(ev.Type),
		"amount", ev.Amount.String(),
		"tx_hash", ev.TxHash)

	switch ev.Type {
	case vault.EventCapitalDeployed:
		s.handleDeploy(ctx, ev)
	case vault.EventWithdrawalRequested:
		s.handleWithdrawal(ctx, ev.Amount)
	case vault.EventEmergencyRecall:
		s.handleRecall(ctx, "Emergency recall", alert.Error)
	case vault.EventImmediateWithdrawal:
		// The vault already promised these funds downstream; the book
		// comes back now and the operator gets paged.
		s.handleRecall(ctx, "Immediate withdrawal", alert.Critical)
	default:
		s.logger.Warn("Unknown vault event ignored", "type", string(ev.Type))
	}
}

func (s *Scheduler) handleDeploy(ctx context.Context, ev vault.Event) {
	if !ev.Amount.IsPositive() {
		s.logger.Warn("Deploy with non-positive amount ignored", "amount", ev.Amount.String())
		return
	}
	s.mu.Lock()
	s.capital = s.capital.Add(ev.Amount)
	capital := s.capital
	s.mu.Unlock()

	s.alert(ctx, "Capital deployed",
		fmt.Sprintf("$%s credited, $%s now under management", ev.Amount.StringFixed(2), capital.StringFixed(2)),
		alert.Info, nil)

	if s.pool != nil {
		if err := s.pool.Submit(func() { s.DeployCycle(ctx) }); err == nil {
			return
		}
		s.logger.Warn("Deploy task rejected by pool, running inline")
	}
	s.DeployCycle(ctx)
}

func (s *Scheduler) handleWithdrawal(ctx context.Context, amount decimal.Decimal) {
	rep, err := s.unwinder.Unwind(ctx, amount)
	if err != nil {
		s.alert(ctx, "Withdrawal failed", err.Error(), alert.Error, nil)
		return
	}
	s.mu.Lock()
	s.capital = s.capital.Sub(amount)
	if s.capital.IsNegative() {
		s.capital = decimal.Zero
	}
	s.mu.Unlock()
	s.afterUnwind(ctx, rep, "Withdrawal", alert.Warning)
}

func (s *Scheduler) handleRecall(ctx context.Context, title string, level alert.AlertLevel) {
	rep, err := s.unwinder.UnwindAll(ctx)
	if err != nil {
		s.alert(ctx, title+" failed", err.Error(), alert.Critical, nil)
		return
	}
	s.mu.Lock()
	s.capital = decimal.Zero
	s.mu.Unlock()
	s.afterUnwind(ctx, rep, title, level)
}

// afterUnwind journals the plan, feeds diagnostics and pages the
// operator with the outcome.
func (s *Scheduler) afterUnwind(ctx context.Context, rep *unwind.Report, title string, level alert.AlertLevel) {
	s.publish(diag.NewUnwindMessage(rep))

	for _, o := range rep.Orders {
		s.journalEntry(ctx, journal.Entry{
			Kind:     journal.KindUnwind,
			Venue:    o.Venue,
			Symbol:   o.Symbol,
			Side:     o.Side,
			OrderID:  o.OrderID,
			ThreadID: o.ThreadID,
			Size:     o.Size,
			Price:    o.Price,
		})
	}
	// Recalls carry no requested amount; they take the whole book.
	scope := "flattening the book"
	if rep.Requested.IsPositive() {
		scope = fmt.Sprintf("of $%s requested", rep.Requested.StringFixed(2))
	}
	s.journalEntry(ctx, journal.Entry{
		Kind: journal.KindUnwind,
		Note: fmt.Sprintf("%s freed $%s %s (%s)", title, rep.Freed.StringFixed(2), scope, rep.Status),
	})

	msg := fmt.Sprintf("freed $%s %s across %d pairs and %d singles",
		rep.Freed.StringFixed(2), scope, len(rep.Pairs), len(rep.Singles))
	if rep.Status == unwind.StatusPartial {
		msg += fmt.Sprintf(", $%s still owed", rep.Residual.StringFixed(2))
	}
	s.alert(ctx, title, msg, level, map[string]string{"status": string(rep.Status)})
}
