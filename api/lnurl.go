package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/satsbox/satsbox/models/invoices"
	"github.com/satsbox/satsbox/models/users"
	"github.com/satsbox/satsbox/payments"
)

const lnurlInvoiceExpiry = 24 * 60 * 60

// kindZapRequest is the NIP-57 zap request event kind
const kindZapRequest = 9734

func (r *RestServer) registerLnurlRoutes() {
	// LUD-16 lightning address form and the plain LUD-06 form
	r.Router.GET("/.well-known/lnurlp/:name", r.lnurlInfo)
	r.Router.GET("/.well-known/lnurlp/:name/callback", r.lnurlCallback)
	r.Router.GET("/lnurlp/:name", r.lnurlInfo)
	r.Router.GET("/lnurlp/:name/callback", r.lnurlCallback)
}

func lnurlError(c *gin.Context, reason string) {
	c.JSON(http.StatusOK, gin.H{"status": "ERROR", "reason": reason})
}

// lnurlMetadata is the LUD-06 metadata array. The callback puts this exact
// serialization (followed by any payer data) into the invoice as its plain
// description, so the info and callback handlers build it the same way; no
// description hash is set on the invoice.
func lnurlMetadata(host, name string) string {
	metadata := [][]string{
		{"text/plain", "Sats for " + name},
		{"text/identifier", fmt.Sprintf("%s@%s", name, host)},
	}
	encoded, _ := json.Marshal(metadata)
	return string(encoded)
}

func (r *RestServer) lnurlInfo(c *gin.Context) {
	name := c.Param("name")
	settings := r.settings.Get().Lnurl

	response := gin.H{
		"tag":            "payRequest",
		"status":         "OK",
		"metadata":       lnurlMetadata(r.host(c), name),
		"commentAllowed": settings.CommentAllowed,
		"minSendable":    settings.MinSendable,
		"maxSendable":    settings.MaxSendable,
		"callback":       fmt.Sprintf("%s/.well-known/lnurlp/%s/callback", r.siteURL(c), name),
		"payerData": gin.H{
			"name":   gin.H{"mandatory": false},
			"email":  gin.H{"mandatory": false},
			"pubkey": gin.H{"mandatory": false},
		},
	}

	if settings.Privkey != "" {
		if pubkey, err := nostr.GetPublicKey(settings.Privkey); err == nil {
			response["allowsNostr"] = true
			response["nostrPubkey"] = pubkey
		}
	}

	c.JSON(http.StatusOK, response)
}

// payerData is the LUD-18 identity the payer chose to attach
type payerData struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Pubkey string `json:"pubkey"`
}

func (r *RestServer) lnurlCallback(c *gin.Context) {
	name := c.Param("name")
	settings := r.settings.Get().Lnurl

	amountMsat, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil {
		lnurlError(c, "Missing or invalid amount.")
		return
	}
	if amountMsat < settings.MinSendable || amountMsat > settings.MaxSendable {
		lnurlError(c, fmt.Sprintf("Amount out of bounds (min: %d sat, max: %d sat).",
			settings.MinSendable/1000, settings.MaxSendable/1000))
		return
	}

	comment := c.Query("comment")
	if len(comment) > settings.CommentAllowed {
		lnurlError(c, fmt.Sprintf("Comment too long (max: %d characters).",
			settings.CommentAllowed))
		return
	}

	var memo string
	extra := payments.InvoiceExtra{Source: invoices.SourceLnurlp}
	if comment != "" {
		extra.Comment = &comment
	}

	if zapRequest := c.Query("nostr"); zapRequest != "" {
		// NIP-57: the invoice commits to the zap request itself
		if reason := r.fillZapExtra(zapRequest, amountMsat, &extra); reason != "" {
			lnurlError(c, reason)
			return
		}
		memo = zapRequest
	} else {
		// LUD-06/18: the invoice commits to metadata plus payer data
		memo = lnurlMetadata(r.host(c), name) + c.Query("payerdata")
	}

	if payerdata := c.Query("payerdata"); payerdata != "" {
		var payer payerData
		if err := json.Unmarshal([]byte(payerdata), &payer); err == nil {
			if payer.Name != "" {
				extra.PayerName = &payer.Name
			}
			if payer.Email != "" {
				extra.PayerEmail = &payer.Email
			}
			if decoded, err := hex.DecodeString(payer.Pubkey); err == nil && len(decoded) == 32 {
				extra.PayerPubkey = decoded
			}
		}
	}

	user, reason := r.lnurlUser(name)
	if reason != "" {
		lnurlError(c, reason)
		return
	}

	invoice, err := r.service.CreateInvoice(c.Request.Context(), user, memo,
		amountMsat, lnurlInvoiceExpiry, extra)
	if err != nil {
		log.WithError(err).Error("could not create lnurl invoice")
		lnurlError(c, "Could not create invoice.")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "OK",
		"routes": []string{},
		"pr":     invoice.Bolt11,
		"successAction": gin.H{
			"tag":     "message",
			"message": "Thank you for your sats!",
		},
	})
}

// lnurlUser resolves the address local part: either a bech32 npub, which
// provisions an account on first use, or a registered username
func (r *RestServer) lnurlUser(name string) (users.User, string) {
	if prefix, value, err := nip19.Decode(name); err == nil && prefix == "npub" {
		pubkey, err := hex.DecodeString(value.(string))
		if err != nil {
			return users.User{}, "Invalid user."
		}
		user, err := users.GetOrCreate(r.db, pubkey)
		if err != nil {
			return users.User{}, "Invalid user."
		}
		return user, ""
	}

	user, err := users.GetByUsername(r.db, name)
	if err != nil {
		return users.User{}, "Invalid user."
	}
	return user, ""
}

// fillZapExtra validates the zap request per NIP-57 appendix D and
// copies its identifiers onto the invoice. Returns a reason string on
// rejection.
func (r *RestServer) fillZapExtra(zapRequest string, amountMsat int64,
	extra *payments.InvoiceExtra) string {

	var event nostr.Event
	if err := json.Unmarshal([]byte(zapRequest), &event); err != nil {
		return "Invalid nostr event."
	}
	if event.Kind != kindZapRequest {
		return fmt.Sprintf("Nostr event kind must be %d.", kindZapRequest)
	}
	if ok, err := event.CheckSignature(); err != nil || !ok {
		return "Invalid nostr event signature."
	}

	var relays []string
	pCount, eCount := 0, 0
	var zapPubkey, zapEvent string
	for _, tag := range event.Tags {
		if len(tag) < 1 {
			continue
		}
		switch tag[0] {
		case "relays":
			relays = tag[1:]
		case "p":
			pCount++
			if len(tag) > 1 {
				zapPubkey = tag[1]
			}
		case "e":
			eCount++
			if len(tag) > 1 {
				zapEvent = tag[1]
			}
		case "amount":
			if len(tag) > 1 {
				if amount, err := strconv.ParseInt(tag[1], 10, 64); err != nil || amount != amountMsat {
					return "Nostr event must have the same amount."
				}
			}
		}
	}

	if pCount != 1 {
		return "Nostr event must have exactly one pubkey tag."
	}
	if eCount > 1 {
		return "Nostr event must have 0 or 1 event tags."
	}
	if len(relays) == 0 {
		return "Nostr event must have at least one relay."
	}

	extra.Source = invoices.SourceZap
	extra.Zap = true
	extra.ZapFrom = event.PubKey
	extra.ZapPubkey = zapPubkey
	extra.ZapEvent = zapEvent
	return ""
}
