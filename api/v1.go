package api

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/pkg/errors"

	"github.com/satsbox/satsbox/api/auth"
	"github.com/satsbox/satsbox/build"
	"github.com/satsbox/satsbox/config"
	"github.com/satsbox/satsbox/models/invoices"
	"github.com/satsbox/satsbox/models/users"
	"github.com/satsbox/satsbox/nwc"
	"github.com/satsbox/satsbox/payments"
)

func (r *RestServer) registerV1Routes() {
	v1 := r.Router.Group("/v1")

	v1.GET("/info", r.v1Info)

	authed := v1.Group("", r.nostrAuth)
	authed.POST("/auth", r.v1Auth)
	authed.GET("/my", r.v1My)
	authed.POST("/reset_lndhub", r.v1ResetLndhub)
	authed.POST("/update_username", r.v1UpdateUsername)
	authed.POST("/pay_invoice", r.v1PayInvoice)
}

func v1Error(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"message": message}})
}

// nostrAuth authenticates a NIP-98 HTTP auth event from the
// Authorization header and binds it to this exact request
func (r *RestServer) nostrAuth(c *gin.Context) {
	body, err := ioutil.ReadAll(c.Request.Body)
	if err != nil {
		v1Error(c, http.StatusBadRequest, "could not read request body")
		return
	}

	authed, err := auth.FromHeader(c.GetHeader("Authorization"), body)
	if err != nil {
		v1Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := authed.VerifyTime(auth.MaxClockSkew); err != nil {
		v1Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	url := fmt.Sprintf("%s%s", r.siteURL(c), c.Request.URL.RequestURI())
	if err := authed.VerifyHTTP(url, c.Request.Method); err != nil {
		v1Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	if whitelist := r.settings.Get().Auth.Whitelist; len(whitelist) > 0 {
		pubkey := hex.EncodeToString(authed.Pubkey)
		allowed := false
		for _, entry := range whitelist {
			if entry == pubkey {
				allowed = true
				break
			}
		}
		if !allowed {
			v1Error(c, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	c.Set("nostrAuth", authed)
}

func nostrAuthFrom(c *gin.Context) auth.NostrAuth {
	return c.MustGet("nostrAuth").(auth.NostrAuth)
}

func privkeyToPubkey(privkey string) interface{} {
	if privkey == "" {
		return nil
	}
	pubkey, err := nostr.GetPublicKey(privkey)
	if err != nil {
		return nil
	}
	return pubkey
}

func (r *RestServer) v1Info(c *gin.Context) {
	settings := r.settings.Get()

	info, err := r.service.Node().GetInfo(c.Request.Context())
	if err != nil {
		v1Error(c, http.StatusInternalServerError, "node unavailable")
		return
	}

	usernameChars := make([]int, 0, len(settings.Donation.Amounts))
	for i := len(settings.Donation.Amounts); i > 0; i-- {
		usernameChars = append(usernameChars, i+1)
	}

	var donationAddress interface{}
	if pubkey := privkeyToPubkey(settings.Donation.Privkey); pubkey != nil {
		if npub, err := nip19.EncodePublicKey(pubkey.(string)); err == nil {
			donationAddress = fmt.Sprintf("%s@%s", npub, r.host(c))
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"version": build.Version(),
		"node": gin.H{
			"id":      hex.EncodeToString(info.ID),
			"version": info.Version,
		},
		"fee": gin.H{
			"pay_limit_pct":       settings.Fee.PayLimitPct,
			"small_pay_limit_pct": settings.Fee.SmallPayLimitPct,
			"internal_pct":        settings.Fee.InternalPct,
			"service_pct":         settings.Fee.ServicePct,
		},
		"donation": gin.H{
			"pubkey":            privkeyToPubkey(settings.Donation.Privkey),
			"address":           donationAddress,
			"amounts":           settings.Donation.Amounts,
			"restrict_username": settings.Donation.RestrictUsername,
			"username_chars":    usernameChars,
		},
		"nwc": gin.H{
			"pubkey":  privkeyToPubkey(settings.Nwc.Privkey),
			"relays":  settings.Nwc.Relays,
			"methods": nwc.Methods,
		},
	})
}

func (r *RestServer) v1Auth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// usernameSetting returns whether the user may change their username and
// the minimum length they are entitled to. With restrict_username on,
// shorter names unlock with higher cumulative donations.
func usernameSetting(donation config.Donation, donated int64) (bool, int) {
	if !donation.RestrictUsername {
		return true, users.UsernameMinChars
	}
	level := donation.Level(donated)
	if level == 0 {
		return false, users.UsernameMinChars
	}
	min := len(donation.Amounts) - level + 1
	if min < users.UsernameMinChars {
		min = users.UsernameMinChars
	}
	return true, min
}

func (r *RestServer) lndhubInfo(c *gin.Context, user users.User) gin.H {
	pubkey := hex.EncodeToString(user.Pubkey)
	info := gin.H{
		"login":    pubkey,
		"password": user.Password,
		"url":      nil,
	}
	if user.Password != nil {
		info["url"] = fmt.Sprintf("lndhub://%s:%s@%s", pubkey, *user.Password, r.siteURL(c))
	}
	return info
}

func (r *RestServer) v1My(c *gin.Context) {
	authed := nostrAuthFrom(c)

	// reads never provision an account
	user, err := users.GetByPubkey(r.db, authed.Pubkey)
	if err != nil && !errors.Is(err, users.ErrUserNotFound) {
		v1Error(c, http.StatusInternalServerError, "could not load user")
		return
	}
	user.Pubkey = authed.Pubkey

	localPart := ""
	if user.Username != nil {
		localPart = *user.Username
	} else if npub, err := nip19.EncodePublicKey(hex.EncodeToString(authed.Pubkey)); err == nil {
		localPart = npub
	}

	settings := r.settings.Get()
	allowed, min := usernameSetting(settings.Donation, user.DonateAmount)

	c.JSON(http.StatusOK, gin.H{"user": gin.H{
		"pubkey":                          hex.EncodeToString(authed.Pubkey),
		"address":                         fmt.Sprintf("%s@%s", localPart, r.host(c)),
		"balance":                         user.Balance,
		"lock_amount":                     user.LockAmount,
		"username":                        user.Username,
		"donate_amount":                   user.DonateAmount,
		"lndhub":                          r.lndhubInfo(c, user),
		"allow_update_username":           allowed,
		"allow_update_username_min_chars": min,
		"allow_update_username_max_chars": users.UsernameMaxChars,
	}})
}

type v1ResetLndhubRequest struct {
	Disable bool `json:"disable"`
}

func (r *RestServer) v1ResetLndhub(c *gin.Context) {
	authed := nostrAuthFrom(c)

	var request v1ResetLndhubRequest
	if err := jsonPayload(authed.Payload, &request); err != nil {
		v1Error(c, http.StatusBadRequest, "bad arguments")
		return
	}

	user, err := users.GetOrCreate(r.db, authed.Pubkey)
	if err != nil {
		v1Error(c, http.StatusInternalServerError, "could not load user")
		return
	}

	var password *string
	if !request.Disable {
		generated, err := randomPassword()
		if err != nil {
			v1Error(c, http.StatusInternalServerError, "could not generate password")
			return
		}
		password = &generated
	}

	user, err = users.UpdatePassword(r.db, user.ID, password)
	if err != nil {
		v1Error(c, http.StatusInternalServerError, "could not update password")
		return
	}

	c.JSON(http.StatusOK, gin.H{"lndhub": r.lndhubInfo(c, user)})
}

type v1UpdateUsernameRequest struct {
	Username *string `json:"username"`
}

func (r *RestServer) v1UpdateUsername(c *gin.Context) {
	authed := nostrAuthFrom(c)

	var request v1UpdateUsernameRequest
	if err := jsonPayload(authed.Payload, &request); err != nil {
		v1Error(c, http.StatusBadRequest, "bad arguments")
		return
	}

	user, err := users.GetOrCreate(r.db, authed.Pubkey)
	if err != nil {
		v1Error(c, http.StatusInternalServerError, "could not load user")
		return
	}

	settings := r.settings.Get()
	allowed, min := usernameSetting(settings.Donation, user.DonateAmount)
	if !allowed {
		v1Error(c, http.StatusBadRequest, "username changes are not allowed")
		return
	}
	if request.Username != nil {
		if err := users.ValidUsername(*request.Username); err != nil {
			v1Error(c, http.StatusBadRequest, err.Error())
			return
		}
		if len(*request.Username) < min {
			v1Error(c, http.StatusBadRequest,
				fmt.Sprintf("the length of the username cannot be less than %d", min))
			return
		}
	}

	if _, err := users.UpdateUsername(r.db, user.ID, request.Username); err != nil {
		if errors.Is(err, users.ErrUsernameTaken) {
			v1Error(c, http.StatusBadRequest, err.Error())
			return
		}
		v1Error(c, http.StatusInternalServerError, "could not update username")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type v1PayInvoiceRequest struct {
	Invoice string `json:"invoice"`
}

func (r *RestServer) v1PayInvoice(c *gin.Context) {
	authed := nostrAuthFrom(c)

	var request v1PayInvoiceRequest
	if err := jsonPayload(authed.Payload, &request); err != nil || request.Invoice == "" {
		v1Error(c, http.StatusBadRequest, "bad arguments")
		return
	}

	user, err := users.GetByPubkey(r.db, authed.Pubkey)
	if err != nil {
		// an account that never received holds no funds
		v1Error(c, http.StatusBadRequest, payments.ErrInsufficientBalance.Error())
		return
	}

	payment, err := r.service.Pay(c.Request.Context(), user, request.Invoice,
		r.settings.Get().Fee, invoices.SourceApi, false)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, payments.ErrPaymentInProgress) {
			status = http.StatusAccepted
		}
		v1Error(c, status, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"preimage": hex.EncodeToString(payment.Preimage)})
}
