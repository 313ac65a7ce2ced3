// Package nwc implements NIP-47 Nostr Wallet Connect: an encrypted
// request/response protocol over nostr relays that lets clients pay
// invoices and read balances remotely.
package nwc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/satsbox/satsbox/build"
	"github.com/satsbox/satsbox/config"
	"github.com/satsbox/satsbox/models/events"
	"github.com/satsbox/satsbox/models/users"
	"github.com/satsbox/satsbox/payments"
)

var log = build.AddSubLogger("NWC")

// NIP-47 event kinds
const (
	KindInfo     = 13194
	KindRequest  = 23194
	KindResponse = 23195
)

// Methods we announce in the info event
const Methods = "pay_invoice get_balance"

// Request is a decrypted NIP-47 request
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// PayInvoiceParams carries the bolt11 for pay_invoice
type PayInvoiceParams struct {
	Invoice string `json:"invoice"`
}

// Service handles wallet connect requests against the payment ledger
type Service struct {
	service  *payments.Service
	settings *config.Store
	limiter  *rate.Limiter

	privkey string
	pubkey  string
}

// New derives the service identity from the configured key
func New(service *payments.Service, settings *config.Store) (*Service, error) {
	cfg := settings.Get().Nwc
	if !cfg.Support() {
		return nil, errors.New("nwc is not configured")
	}
	pubkey, err := nostr.GetPublicKey(cfg.Privkey)
	if err != nil {
		return nil, errors.Wrap(err, "invalid nwc private key")
	}

	limit := cfg.RateLimitPerSecond
	if limit <= 0 {
		limit = 10
	}

	return &Service{
		service:  service,
		settings: settings,
		limiter:  rate.NewLimiter(rate.Limit(limit), limit),
		privkey:  cfg.Privkey,
		pubkey:   pubkey,
	}, nil
}

// Pubkey is the service identity clients encrypt to
func (s *Service) Pubkey() string {
	return s.pubkey
}

// Run serves every configured relay until the context is canceled
func (s *Service) Run(ctx context.Context) {
	relays := s.settings.Get().Nwc.Relays
	for _, url := range relays {
		go s.serveRelay(ctx, url)
	}
	<-ctx.Done()
}

// serveRelay keeps one relay connection alive: announce the info event,
// subscribe to requests addressed to us and handle them as they come.
func (s *Service) serveRelay(ctx context.Context, url string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.serveOnce(ctx, url); err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("relay", url).Warn("relay connection lost")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Service) serveOnce(ctx context.Context, url string) error {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return err
	}
	defer func() { _ = relay.Close() }()

	info, err := s.infoEvent()
	if err != nil {
		return err
	}
	if err := relay.Publish(ctx, info); err != nil {
		log.WithError(err).WithField("relay", url).Warn("could not publish info event")
	}

	since := nostr.Timestamp(time.Now().Add(-5 * time.Minute).Unix())
	sub, err := relay.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{KindRequest},
		Tags:  nostr.TagMap{"p": []string{s.pubkey}},
		Since: &since,
	}})
	if err != nil {
		return err
	}

	log.WithField("relay", url).Info("listening for wallet connect requests")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events:
			if !ok {
				return errors.New("subscription closed")
			}
			if event == nil {
				continue
			}
			go s.handleEvent(ctx, relay, *event)
		}
	}
}

// infoEvent builds the kind 13194 capability announcement
func (s *Service) infoEvent() (nostr.Event, error) {
	event := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindInfo,
		Content:   Methods,
	}
	if err := event.Sign(s.privkey); err != nil {
		return nostr.Event{}, errors.Wrap(err, "could not sign info event")
	}
	return event, nil
}

// handleEvent processes one request event: replay guard, decrypt,
// dispatch, respond encrypted.
func (s *Service) handleEvent(ctx context.Context, relay *nostr.Relay, event nostr.Event) {
	eventID, err := hex.DecodeString(event.ID)
	if err != nil {
		return
	}

	// at-most-once: replays of an already accepted event are dropped
	// before any handler runs
	encoded, _ := json.Marshal(event)
	logged, fresh, err := events.Accept(s.service.DB(), eventID, string(encoded))
	if err != nil {
		log.WithError(err).Error("could not log request event")
		return
	}
	if !fresh {
		return
	}

	response, handleErr := s.handleRequest(ctx, event)

	if handleErr != nil {
		if err := events.MarkFailed(s.service.DB(), logged.ID, handleErr.Error()); err != nil {
			log.WithError(err).Error("could not mark event failed")
		}
	} else {
		if err := events.MarkSucceeded(s.service.DB(), logged.ID, ""); err != nil {
			log.WithError(err).Error("could not mark event succeeded")
		}
	}

	reply, err := s.responseEvent(event, response)
	if err != nil {
		log.WithError(err).Error("could not build response event")
		return
	}
	if err := relay.Publish(ctx, reply); err != nil {
		log.WithError(err).Error("could not publish response event")
	}
}

// handleRequest decrypts and dispatches. The returned value is the
// response payload (result or error object); the error return only
// signals that the request failed, for the event log.
func (s *Service) handleRequest(ctx context.Context, event nostr.Event) (map[string]interface{}, error) {
	shared, err := nip04.ComputeSharedSecret(event.PubKey, s.privkey)
	if err != nil {
		return errorResponse("", "INTERNAL", "bad request key"), err
	}
	plain, err := nip04.Decrypt(event.Content, shared)
	if err != nil {
		return errorResponse("", "INTERNAL", "could not decrypt request"), err
	}

	var request Request
	if err := json.Unmarshal([]byte(plain), &request); err != nil {
		return errorResponse("", "INTERNAL", "could not parse request"), err
	}

	if !s.limiter.Allow() {
		err := errors.New("rate limited")
		return errorResponse(request.Method, "RATE_LIMITED", "too many requests"), err
	}

	pubkey, err := hex.DecodeString(event.PubKey)
	if err != nil {
		return errorResponse(request.Method, "INTERNAL", "bad pubkey"), err
	}

	switch request.Method {
	case "pay_invoice":
		return s.payInvoice(ctx, request, pubkey)
	case "get_balance":
		return s.getBalance(request, pubkey)
	default:
		err := errors.Errorf("unknown method %q", request.Method)
		return errorResponse(request.Method, "NOT_IMPLEMENTED", err.Error()), err
	}
}

func (s *Service) payInvoice(ctx context.Context, request Request, pubkey []byte) (map[string]interface{}, error) {
	var params PayInvoiceParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return errorResponse(request.Method, "INTERNAL", "could not parse params"), err
	}

	user, err := users.GetByPubkey(s.service.DB(), pubkey)
	if err != nil {
		// unknown account holds no funds
		err = payments.ErrInsufficientBalance
		return errorResponse(request.Method, "INSUFFICIENT_BALANCE", err.Error()), err
	}

	settings := s.settings.Get()
	payment, err := s.service.Pay(ctx, user, params.Invoice, settings.Fee,
		"nwc", false)
	if err != nil {
		code := "INTERNAL"
		if errors.Is(err, payments.ErrInsufficientBalance) {
			code = "INSUFFICIENT_BALANCE"
		}
		return errorResponse(request.Method, code, err.Error()), err
	}

	return map[string]interface{}{
		"result_type": request.Method,
		"result": map[string]interface{}{
			"preimage": hex.EncodeToString(payment.Preimage),
		},
	}, nil
}

func (s *Service) getBalance(request Request, pubkey []byte) (map[string]interface{}, error) {
	var sats int64
	user, err := users.GetByPubkey(s.service.DB(), pubkey)
	if err == nil {
		sats = (user.Balance - user.LockAmount) / 1000
	} else if err != users.ErrUserNotFound {
		return errorResponse(request.Method, "INTERNAL", err.Error()), err
	}

	return map[string]interface{}{
		"result_type": request.Method,
		"result": map[string]interface{}{
			"balance": sats,
		},
	}, nil
}

// responseEvent encrypts the payload back to the requester as a kind
// 23195 event referencing the request
func (s *Service) responseEvent(request nostr.Event, payload map[string]interface{}) (nostr.Event, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nostr.Event{}, errors.Wrap(err, "could not serialize response")
	}
	shared, err := nip04.ComputeSharedSecret(request.PubKey, s.privkey)
	if err != nil {
		return nostr.Event{}, errors.Wrap(err, "could not compute shared secret")
	}
	content, err := nip04.Encrypt(string(encoded), shared)
	if err != nil {
		return nostr.Event{}, errors.Wrap(err, "could not encrypt response")
	}

	event := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindResponse,
		Content:   content,
		Tags: nostr.Tags{
			nostr.Tag{"p", request.PubKey},
			nostr.Tag{"e", request.ID},
		},
	}
	if err := event.Sign(s.privkey); err != nil {
		return nostr.Event{}, errors.Wrap(err, "could not sign response event")
	}
	return event, nil
}

func errorResponse(method, code, message string) map[string]interface{} {
	return map[string]interface{}{
		"result_type": method,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
}
