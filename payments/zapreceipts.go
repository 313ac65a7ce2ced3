package payments

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"

	"github.com/satsbox/satsbox/models/invoices"
)

// ZapReceiptPublisher sweeps paid zap invoices and publishes the NIP-57
// kind 9735 receipt for each. Publication is at-least-once: the row is
// only marked done after a successful broadcast, a crashed sweep simply
// picks the row up again.
type ZapReceiptPublisher struct {
	service *Service
	// Privkey signs the receipts, it must be the key announced by the
	// LNURL endpoint
	Privkey string
	// Relays are always added to the relay list of the zap request
	Relays []string
	Tick   time.Duration
}

// NewZapReceiptPublisher returns a publisher with the default cadence
func NewZapReceiptPublisher(service *Service, privkey string, relays []string) *ZapReceiptPublisher {
	return &ZapReceiptPublisher{
		service: service,
		Privkey: privkey,
		Relays:  relays,
		Tick:    30 * time.Second,
	}
}

// Run sweeps until the context is canceled
func (p *ZapReceiptPublisher) Run(ctx context.Context) {
	log.Info("zap receipt publisher started")

	ticker := time.NewTicker(p.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("zap receipt publisher stopped")
			return
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil {
				log.WithError(err).Error("zap receipt sweep failed")
			}
		}
	}
}

// Sweep publishes receipts for every pending paid zap invoice. Returns
// how many receipts went out.
func (p *ZapReceiptPublisher) Sweep(ctx context.Context) (int, error) {
	pending, err := invoices.PendingZapReceipts(p.service.db, 100)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, invoice := range pending {
		receipt, relays, err := BuildZapReceipt(invoice, p.Relays, p.Privkey)
		if err != nil {
			// a malformed zap request can never produce a receipt, park
			// the row so it stops blocking the sweep
			log.WithError(err).WithField("id", invoice.ID).
				Warn("could not build zap receipt, dropping")
			if dbErr := invoices.SetZapReceipt(p.service.db, invoice.ID, ""); dbErr != nil {
				log.WithError(dbErr).WithField("id", invoice.ID).
					Error("could not park zap invoice")
			}
			continue
		}

		if !p.broadcast(ctx, relays, receipt) {
			// no relay took it, retry next sweep
			continue
		}

		encoded, err := json.Marshal(receipt)
		if err != nil {
			return count, errors.Wrap(err, "could not serialize zap receipt")
		}
		if err := invoices.SetZapReceipt(p.service.db, invoice.ID, string(encoded)); err != nil {
			log.WithError(err).WithField("id", invoice.ID).
				Error("could not persist zap receipt")
			continue
		}
		count++
	}
	return count, nil
}

// broadcast sends the receipt to every relay, reporting success when at
// least one accepted it
func (p *ZapReceiptPublisher) broadcast(ctx context.Context, relays []string, event nostr.Event) bool {
	published := false
	for _, url := range relays {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			log.WithError(err).WithField("relay", url).Debug("could not connect to relay")
			continue
		}
		if err := relay.Publish(ctx, event); err != nil {
			log.WithError(err).WithField("relay", url).Debug("could not publish zap receipt")
		} else {
			published = true
		}
		_ = relay.Close()
	}
	return published
}

// BuildZapReceipt turns a paid zap invoice into a signed kind 9735 event
// plus the relay set to publish it to. The zap request is embedded in the
// invoice description, its relay list is merged with extraRelays.
func BuildZapReceipt(invoice invoices.Invoice, extraRelays []string,
	privkey string) (nostr.Event, []string, error) {

	var request nostr.Event
	if err := json.Unmarshal([]byte(invoice.Description), &request); err != nil {
		return nostr.Event{}, nil, errors.Wrap(err, "could not parse zap request")
	}
	if request.Kind != nostr.KindZapRequest {
		return nostr.Event{}, nil, errors.New("embedded event is not a zap request")
	}

	relays := make([]string, 0, len(extraRelays))
	seen := map[string]bool{}
	if tag := request.Tags.GetFirst([]string{"relays"}); tag != nil {
		for _, url := range (*tag)[1:] {
			if !seen[url] {
				seen[url] = true
				relays = append(relays, url)
			}
		}
	}
	for _, url := range extraRelays {
		if !seen[url] {
			seen[url] = true
			relays = append(relays, url)
		}
	}
	if len(relays) == 0 {
		return nostr.Event{}, nil, errors.New("zap request names no relays")
	}

	tags := nostr.Tags{
		nostr.Tag{"bolt11", invoice.Bolt11},
		nostr.Tag{"description", invoice.Description},
		nostr.Tag{"preimage", hex.EncodeToString(invoice.Preimage)},
		nostr.Tag{"P", request.PubKey},
	}
	if tag := request.Tags.GetFirst([]string{"p"}); tag != nil {
		tags = append(tags, nostr.Tag{"p", tag.Value()})
	}
	if tag := request.Tags.GetFirst([]string{"e"}); tag != nil {
		tags = append(tags, nostr.Tag{"e", tag.Value()})
	}

	receipt := nostr.Event{
		CreatedAt: nostr.Timestamp(invoice.PaidAt),
		Kind:      nostr.KindZap,
		Tags:      tags,
		Content:   "",
	}
	if err := receipt.Sign(privkey); err != nil {
		return nostr.Event{}, nil, errors.Wrap(err, "could not sign zap receipt")
	}

	return receipt, relays, nil
}
