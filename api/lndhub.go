package api

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/satsbox/satsbox/api/auth"
	"github.com/satsbox/satsbox/ln"
	"github.com/satsbox/satsbox/models/invoices"
	"github.com/satsbox/satsbox/models/users"
	"github.com/satsbox/satsbox/payments"
)

// LNDHUB numeric error codes, kept wire-compatible with the reference
// implementation
type lndhubError struct {
	Error   bool   `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func lndhubErr(code int, message string) lndhubError {
	return lndhubError{Error: true, Code: code, Message: message}
}

var (
	errBadAuth          = lndhubErr(1, "bad auth")
	errNotEnoughBalance = lndhubErr(2, "not enough balance")
	errNotAValidInvoice = lndhubErr(4, "not a valid invoice")
	errServerError      = lndhubErr(6, "Something went wrong. Please try again later")
	errBadArguments     = lndhubErr(8, "Bad arguments")
	errTryAgainLater    = lndhubErr(9, "Your previous payment is in transit. Try again later")
	errPaymentFailed    = lndhubErr(10, "Payment failed. Does the receiver have enough inbound capacity?")
)

const lndhubInvoiceExpiry = 24 * 60 * 60

func (r *RestServer) registerLndhubRoutes() {
	router := r.Router

	router.POST("/auth", r.lndhubAuth)
	router.GET("/getinfo", r.lndhubGetInfo)

	authed := router.Group("", r.lndhubUser)
	authed.POST("/addinvoice", r.lndhubAddInvoice)
	authed.POST("/payinvoice", r.lndhubPayInvoice)
	authed.GET("/balance", r.lndhubBalance)
	authed.GET("/getuserinvoices", r.lndhubUserInvoices)
	authed.GET("/gettxs", r.lndhubTxs)
	authed.GET("/checkpayment/:hash", r.lndhubCheckPayment)
}

// lndhubUser authenticates the bearer access token. LNDHUB access
// requires a provisioned password credential.
func (r *RestServer) lndhubUser(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusOK, errBadAuth)
		return
	}
	token := strings.TrimSpace(header[len("Bearer "):])

	userID, err := auth.ParseToken(token, []byte(r.settings.Get().Auth.Secret))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusOK, errBadAuth)
		return
	}
	user, err := users.GetByID(r.db, userID)
	if err != nil || user.Password == nil {
		c.AbortWithStatusJSON(http.StatusOK, errBadAuth)
		return
	}
	c.Set("user", user)
}

func lndhubUserFrom(c *gin.Context) users.User {
	return c.MustGet("user").(users.User)
}

type lndhubAuthRequest struct {
	Login        string `json:"login"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

type lndhubAuthResponse struct {
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
}

func (r *RestServer) lndhubAuth(c *gin.Context) {
	var request lndhubAuthRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusOK, errBadArguments)
		return
	}

	settings := r.settings.Get().Auth

	var user users.User
	switch {
	case request.RefreshToken != "":
		userID, err := auth.ParseToken(request.RefreshToken, []byte(settings.Secret))
		if err != nil {
			c.JSON(http.StatusOK, errBadAuth)
			return
		}
		user, err = users.GetByID(r.db, userID)
		if err != nil {
			c.JSON(http.StatusOK, errBadAuth)
			return
		}

	case request.Login != "" && request.Password != "":
		pubkey, err := hex.DecodeString(request.Login)
		if err != nil {
			c.JSON(http.StatusOK, errBadAuth)
			return
		}
		user, err = users.GetByPubkey(r.db, pubkey)
		if err != nil {
			c.JSON(http.StatusOK, errBadAuth)
			return
		}
		if user.Password == nil || *user.Password != request.Password {
			c.JSON(http.StatusOK, errBadAuth)
			return
		}

	default:
		c.JSON(http.StatusOK, errBadArguments)
		return
	}

	if user.Password == nil {
		// lndhub access is provisioned through /v1/reset_lndhub
		c.JSON(http.StatusOK, errBadAuth)
		return
	}

	refresh, err := auth.GenerateToken(user.ID, settings.RefreshTokenExpiry, []byte(settings.Secret))
	if err != nil {
		c.JSON(http.StatusOK, errServerError)
		return
	}
	access, err := auth.GenerateToken(user.ID, settings.AccessTokenExpiry, []byte(settings.Secret))
	if err != nil {
		c.JSON(http.StatusOK, errServerError)
		return
	}

	c.JSON(http.StatusOK, lndhubAuthResponse{RefreshToken: refresh, AccessToken: access})
}

func (r *RestServer) lndhubGetInfo(c *gin.Context) {
	info, err := r.service.Node().GetInfo(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, errServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identity_pubkey": hex.EncodeToString(info.ID),
		"alias":           info.Alias,
		"color":           info.Color,
		"version":         info.Version,
		"block_height":    info.BlockHeight,
	})
}

// satAmount accepts the amount encodings LNDHUB clients actually send:
// JSON numbers and numeric strings
type satAmount int64

func (s *satAmount) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(string(data), `"`)
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return errors.Wrap(err, "invalid amount")
	}
	*s = satAmount(value)
	return nil
}

type lndhubAddInvoiceRequest struct {
	// Amt is in satoshi
	Amt  satAmount `json:"amt"`
	Memo string    `json:"memo"`
}

func (r *RestServer) lndhubAddInvoice(c *gin.Context) {
	user := lndhubUserFrom(c)

	var request lndhubAddInvoiceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusOK, errBadArguments)
		return
	}
	amountSat := int64(request.Amt)
	if amountSat <= 0 {
		c.JSON(http.StatusOK, errBadArguments)
		return
	}
	amountMsat := amountSat * 1000
	if amountMsat > ln.MaxAmountMsatPerInvoice {
		c.JSON(http.StatusOK, errBadArguments)
		return
	}

	invoice, err := r.service.CreateInvoice(c.Request.Context(), user, request.Memo,
		amountMsat, lndhubInvoiceExpiry,
		payments.InvoiceExtra{Source: invoices.SourceLndhub})
	if err != nil {
		log.WithError(err).Error("could not add invoice")
		c.JSON(http.StatusOK, errServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"r_hash":          hex.EncodeToString(invoice.PaymentHash),
		"payment_request": invoice.Bolt11,
		"pay_req":         invoice.Bolt11,
		"description":     invoice.Description,
		"amt":             amountSat,
	})
}

type lndhubPayInvoiceRequest struct {
	Invoice string `json:"invoice"`
}

func (r *RestServer) lndhubPayInvoice(c *gin.Context) {
	user := lndhubUserFrom(c)

	var request lndhubPayInvoiceRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Invoice == "" {
		c.JSON(http.StatusOK, errBadArguments)
		return
	}

	payment, err := r.service.Pay(c.Request.Context(), user, request.Invoice,
		r.settings.Get().Fee, invoices.SourceLndhub, false)
	if err != nil {
		c.JSON(http.StatusOK, lndhubPayError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_error":    "",
		"payment_preimage": hex.EncodeToString(payment.Preimage),
		"payment_hash":     hex.EncodeToString(payment.PaymentHash),
		"payment_route": gin.H{
			"total_amt":  payment.TotalMsat / 1000,
			"total_fees": payment.FeeMsat / 1000,
		},
	})
}

func lndhubPayError(err error) lndhubError {
	switch {
	case errors.Is(err, payments.ErrInsufficientBalance):
		return errNotEnoughBalance
	case errors.Is(err, payments.ErrExpired),
		errors.Is(err, payments.ErrInvoiceClosed),
		errors.Is(err, payments.ErrAlreadyPaid),
		errors.Is(err, payments.ErrSelfPayment),
		errors.Is(err, payments.ErrPaymentExists):
		return lndhubErr(4, err.Error())
	case errors.Is(err, payments.ErrPaymentInProgress):
		return errTryAgainLater
	default:
		return errPaymentFailed
	}
}

func (r *RestServer) lndhubBalance(c *gin.Context) {
	user := lndhubUserFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"BTC": gin.H{
			"AvailableBalance": user.Balance / 1000,
		},
	})
}

func (r *RestServer) lndhubUserInvoices(c *gin.Context) {
	user := lndhubUserFrom(c)

	rows, err := invoices.ListForUser(r.db, user.ID, invoices.TypeInvoice, 100, 0)
	if err != nil {
		c.JSON(http.StatusOK, errServerError)
		return
	}

	response := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		description := row.Description
		response = append(response, gin.H{
			"r_hash":          hex.EncodeToString(row.PaymentHash),
			"payment_request": row.Bolt11,
			"description":     description,
			"amt":             row.AmountMsat / 1000,
			"ispaid":          row.Status == invoices.StatusPaid,
			"expire_time":     row.Expiry,
			"timestamp":       row.GeneratedAt,
			"type":            "user_invoice",
		})
	}
	c.JSON(http.StatusOK, response)
}

func (r *RestServer) lndhubTxs(c *gin.Context) {
	user := lndhubUserFrom(c)

	rows, err := invoices.ListForUser(r.db, user.ID, invoices.TypePayment, 100, 0)
	if err != nil {
		c.JSON(http.StatusOK, errServerError)
		return
	}

	response := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		if row.Status != invoices.StatusPaid {
			continue
		}
		response = append(response, gin.H{
			"payment_preimage": hex.EncodeToString(row.Preimage),
			"payment_hash":     hex.EncodeToString(row.PaymentHash),
			"value":            row.PaidAmountMsat / 1000,
			"fee":              (row.FeeMsat + row.ServiceFeeMsat) / 1000,
			"memo":             row.Description,
			"timestamp":        row.PaidAt,
			"type":             "paid_invoice",
		})
	}
	c.JSON(http.StatusOK, response)
}

func (r *RestServer) lndhubCheckPayment(c *gin.Context) {
	user := lndhubUserFrom(c)

	hash, err := hex.DecodeString(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusOK, errBadArguments)
		return
	}

	// the hash may refer to either direction, receives take precedence
	row, err := invoices.GetByHash(r.db, invoices.TypeInvoice, hash)
	if err != nil {
		row, err = invoices.GetByHash(r.db, invoices.TypePayment, hash)
	}
	if err != nil || row.UserID != user.ID {
		c.JSON(http.StatusOK, errNotAValidInvoice)
		return
	}

	c.JSON(http.StatusOK, gin.H{"paid": row.Status == invoices.StatusPaid})
}
