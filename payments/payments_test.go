package payments

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/satsbox/satsbox/config"
	"github.com/satsbox/satsbox/ln"
	"github.com/satsbox/satsbox/models/invoices"
	"github.com/satsbox/satsbox/models/records"
	"github.com/satsbox/satsbox/models/users"
	"github.com/satsbox/satsbox/testutil"
	"github.com/satsbox/satsbox/testutil/lntestutil"
)

var testFee = config.Fee{
	PayLimitPct:      1.0,
	SmallPayLimitPct: 2.0,
	InternalPct:      0.5,
	ServicePct:       0.3,
}

const testExpiry = 600

func newTestService(t *testing.T) (*Service, *lntestutil.MockNode) {
	t.Helper()
	database := testutil.OpenTestDB(t)
	node := lntestutil.NewMockNode(t)
	return NewService(database, node, "mock"), node
}

func createTestUser(t *testing.T, s *Service) users.User {
	t.Helper()
	user, err := users.GetOrCreate(s.db, lntestutil.RandomPreimage(t))
	testutil.AssertNoErr(t, err)
	return user
}

func fundTestUser(t *testing.T, s *Service, user users.User, msat int64) users.User {
	t.Helper()
	funded, err := s.AdminAdjustBalance(user, msat, "test funds")
	testutil.AssertNoErr(t, err)
	return funded
}

func TestCreateInvoice(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)
	ctx := context.Background()

	user := createTestUser(t, service)

	invoice, err := service.CreateInvoice(ctx, user, "coffee", 2_000_000, testExpiry,
		InvoiceExtra{Source: invoices.SourceTest})
	testutil.AssertNoErr(t, err)

	testutil.AssertEqual(t, invoices.TypeInvoice, invoice.Type)
	testutil.AssertEqual(t, invoices.StatusUnpaid, invoice.Status)
	testutil.AssertEqual(t, int64(2_000_000), invoice.AmountMsat)
	testutil.AssertEqual(t, "coffee", invoice.Description)
	testutil.AssertEqual(t, invoices.SourceTest, invoice.Source)
	testutil.AssertEqual(t, "mock", invoice.Service)
	testutil.AssertEqual(t, int64(testExpiry), invoice.Expiry)
	testutil.AssertEqual(t, invoice.GeneratedAt+testExpiry, invoice.ExpiredAt)
	testutil.AssertEqual(t, 32, len(invoice.Preimage))
	testutil.AssertEqual(t, int64(0), invoice.LockAmountMsat)
}

func TestInternalPayment(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)
	ctx := context.Background()

	payee := createTestUser(t, service)
	payeeInvoice, err := service.CreateInvoice(ctx, payee, "internal", 2_000_000,
		testExpiry, InvoiceExtra{Source: invoices.SourceTest})
	testutil.AssertNoErr(t, err)

	payer := createTestUser(t, service)

	// no funds yet
	_, err = service.Pay(ctx, payer, payeeInvoice.Bolt11, testFee, invoices.SourceTest, false)
	testutil.AssertEqual(t, ErrInsufficientBalance, errors.Cause(err))

	const balance = 5_000_000
	payer = fundTestUser(t, service, payer, balance)

	payment, err := service.Pay(ctx, payer, payeeInvoice.Bolt11, testFee,
		invoices.SourceTest, false)
	testutil.AssertNoErr(t, err)

	internalFee, serviceFee := testFee.Calc(2_000_000, true)
	testutil.AssertEqual(t, int64(10_000), internalFee)
	testutil.AssertEqual(t, int64(6_000), serviceFee)

	payerAfter, err := users.GetByID(service.db, payer.ID)
	testutil.AssertNoErr(t, err)
	payeeAfter, err := users.GetByID(service.db, payee.ID)
	testutil.AssertNoErr(t, err)

	testutil.AssertEqual(t, int64(balance-2_000_000-internalFee-serviceFee), payerAfter.Balance)
	testutil.AssertEqual(t, int64(2_984_000), payerAfter.Balance)
	testutil.AssertEqual(t, int64(2_000_000), payeeAfter.Balance)
	testutil.AssertEqual(t, int64(0), payerAfter.LockAmount)

	testutil.AssertMsg(t, payment.Internal, "payment must be internal")
	testutil.AssertEqual(t, invoices.StatusPaid, payment.Status)
	testutil.AssertEqual(t, internalFee, payment.FeeMsat)
	testutil.AssertEqual(t, serviceFee, payment.ServiceFeeMsat)
	testutil.AssertEqual(t, int64(2_000_000), payment.AmountMsat)
	testutil.AssertEqual(t, int64(2_000_000+internalFee+serviceFee), payment.TotalMsat)

	settled, err := invoices.GetByID(service.db, payeeInvoice.ID)
	testutil.AssertNoErr(t, err)
	testutil.AssertMsg(t, settled.Internal, "invoice must be marked internal")
	testutil.AssertEqual(t, invoices.StatusPaid, settled.Status)
	testutil.AssertEqual(t, int64(2_000_000), settled.PaidAmountMsat)
	testutil.AssertBytesEqual(t, settled.Preimage, payment.Preimage)

	// both legs are audited
	payerSum, err := records.SumChanges(service.db, payer.ID)
	testutil.AssertNoErr(t, err)
	testutil.AssertEqual(t, int64(balance-2_000_000-internalFee-serviceFee), payerSum)
	payeeSum, err := records.SumChanges(service.db, payee.ID)
	testutil.AssertNoErr(t, err)
	testutil.AssertEqual(t, int64(2_000_000), payeeSum)

	// the invoice is closed now
	_, err = service.Pay(ctx, payer, payeeInvoice.Bolt11, testFee, invoices.SourceTest, false)
	testutil.AssertEqual(t, ErrInvoiceClosed, errors.Cause(err))
}

func TestSelfPayment(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)
	ctx := context.Background()

	user := createTestUser(t, service)
	invoice, err := service.CreateInvoice(ctx, user, "self", 2_000_000, testExpiry,
		InvoiceExtra{Source: invoices.SourceTest})
	testutil.AssertNoErr(t, err)

	const balance = 5_000_000
	user = fundTestUser(t, service, user, balance)

	// rejected unless explicitly enabled
	_, err = service.Pay(ctx, user, invoice.Bolt11, testFee, invoices.SourceTest, false)
	testutil.AssertEqual(t, ErrSelfPayment, errors.Cause(err))

	service.SelfPayment = true
	payment, err := service.Pay(ctx, user, invoice.Bolt11, testFee, invoices.SourceTest, false)
	testutil.AssertNoErr(t, err)

	internalFee, serviceFee := testFee.Calc(2_000_000, true)

	after, err := users.GetByID(service.db, user.ID)
	testutil.AssertNoErr(t, err)
	// paying yourself only burns the fees
	testutil.AssertEqual(t, int64(balance-internalFee-serviceFee), after.Balance)

	settled, err := invoices.GetByID(service.db, invoice.ID)
	testutil.AssertNoErr(t, err)
	testutil.AssertEqual(t, invoices.StatusPaid, settled.Status)
	testutil.AssertBytesEqual(t, settled.Preimage, payment.Preimage)
}

func TestInsufficientBalanceLeavesNoTrace(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)
	ctx := context.Background()

	payee := createTestUser(t, service)
	payeeInvoice, err := service.CreateInvoice(ctx, payee, "big", 2_000_000, testExpiry,
		InvoiceExtra{Source: invoices.SourceTest})
	testutil.AssertNoErr(t, err)

	payer := fundTestUser(t, service, createTestUser(t, service), 1_000)

	_, err = service.Pay(ctx, payer, payeeInvoice.Bolt11, testFee, invoices.SourceTest, false)
	testutil.AssertEqual(t, ErrInsufficientBalance, errors.Cause(err))

	// no payment row was inserted
	_, err = invoices.GetByHash(service.db, invoices.TypePayment, payeeInvoice.PaymentHash)
	testutil.AssertEqual(t, invoices.ErrNotFound, errors.Cause(err))

	// balances untouched
	after, err := users.GetByID(service.db, payer.ID)
	testutil.AssertNoErr(t, err)
	testutil.AssertEqual(t, int64(1_000), after.Balance)
	testutil.AssertEqual(t, int64(0), after.LockAmount)
}

func TestExternalPaymentSuccess(t *testing.T) {
	t.Parallel()
	service, node := newTestService(t)
	ctx := context.Background()

	payer := fundTestUser(t, service, createTestUser(t, service), 5_000_000)

	// an invoice issued by some other node
	externalKey := lntestutil.NewTestKey(t)
	preimage := lntestutil.RandomPreimage(t)
	bolt11 := lntestutil.EncodeTestInvoice(t, externalKey, preimage, 100_000,
		"external", time.Hour, time.Now())

	node.PayFeeMsat = 50

	payment, err := service.Pay(ctx, payer, bolt11, testFee, invoices.SourceTest, false)
	testutil.AssertNoErr(t, err)

	// 100 sat is in the small band: max route fee 2% = 2000, service 300
	maxFee, serviceFee := testFee.Calc(100_000, false)
	testutil.AssertEqual(t, int64(2_000), maxFee)
	testutil.AssertEqual(t, int64(300), serviceFee)

	testutil.AssertEqual(t, invoices.StatusPaid, payment.Status)
	testutil.AssertMsg(t, !payment.Internal, "payment must be external")
	testutil.AssertEqual(t, int64(50), payment.FeeMsat)
	testutil.AssertEqual(t, int64(100_000), payment.AmountMsat)
	// total is what actually left the balance: amount + route fee + service fee
	testutil.AssertEqual(t, int64(100_350), payment.TotalMsat)
	testutil.AssertEqual(t, int64(0), payment.LockAmountMsat)

	after, err := users.GetByID(service.db, payer.ID)
	testutil.AssertNoErr(t, err)
	// lock 102300, spent 100050+300, refund 1950
	testutil.AssertEqual(t, int64(4_899_650), after.Balance)
	testutil.AssertEqual(t, int64(0), after.LockAmount)

	sum, err := records.SumChanges(service.db, payer.ID)
	testutil.AssertNoErr(t, err)
	testutil.AssertEqual(t, after.Balance, sum)
}

func TestExternalPaymentFailed(t *testing.T) {
	t.Parallel()
	service, node := newTestService(t)
	ctx := context.Background()

	payer := fundTestUser(t, service, createTestUser(t, service), 5_000_000)

	externalKey := lntestutil.NewTestKey(t)
	bolt11 := lntestutil.EncodeTestInvoice(t, externalKey, lntestutil.RandomPreimage(t),
		100_000, "doomed", time.Hour, time.Now())

	node.PayStatus = ln.PaymentFailed

	_, err := service.Pay(ctx, payer, bolt11, testFee, invoices.SourceTest, false)
	testutil.AssertErr(t, err)

	after, err := users.GetByID(service.db, payer.ID)
	testutil.AssertNoErr(t, err)
	// the lock was refunded in full
	testutil.AssertEqual(t, int64(5_000_000), after.Balance)
	testutil.AssertEqual(t, int64(0), after.LockAmount)

	decoded, err := invoices.GetByHash(service.db, invoices.TypePayment, paymentHash(t, bolt11))
	testutil.AssertNoErr(t, err)
	testutil.AssertEqual(t, invoices.StatusCanceled, decoded.Status)
	testutil.AssertEqual(t, int64(0), decoded.LockAmountMsat)

	// the canceled row still claims the hash: resubmission is rejected
	_, err = service.Pay(ctx, payer, bolt11, testFee, invoices.SourceTest, false)
	testutil.AssertEqual(t, ErrPaymentExists, errors.Cause(err))
}

func TestExternalPaymentNotFound(t *testing.T) {
	t.Parallel()
	service, node := newTestService(t)
	ctx := context.Background()

	payer := fundTestUser(t, service, createTestUser(t, service), 5_000_000)

	externalKey := lntestutil.NewTestKey(t)
	bolt11 := lntestutil.EncodeTestInvoice(t, externalKey, lntestutil.RandomPreimage(t),
		100_000, "lost", time.Hour, time.Now())

	// the node has no record of the payment at all
	node.LookupErr = ln.ErrPaymentNotFound

	_, err := service.Pay(ctx, payer, bolt11, testFee, invoices.SourceTest, false)
	testutil.AssertErr(t, err)

	after, err := users.GetByID(service.db, payer.ID)
	testutil.AssertNoErr(t, err)
	testutil.AssertEqual(t, int64(5_000_000), after.Balance)
	testutil.AssertEqual(t, int64(0), after.LockAmount)

	row, err := invoices.GetByHash(service.db, invoices.TypePayment, paymentHash(t, bolt11))
	testutil.AssertNoErr(t, err)
	testutil.AssertEqual(t, invoices.StatusCanceled, row.Status)
}

func TestExpiredInvoiceRejected(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)
	ctx := context.Background()

	payer := fundTestUser(t, service, createTestUser(t, service), 5_000_000)

	externalKey := lntestutil.NewTestKey(t)
	bolt11 := lntestutil.EncodeTestInvoice(t, externalKey, lntestutil.RandomPreimage(t),
		100_000, "old", time.Minute, time.Now().Add(-time.Hour))

	_, err := service.Pay(ctx, payer, bolt11, testFee, invoices.SourceTest, false)
	testutil.AssertEqual(t, ErrExpired, errors.Cause(err))
}

func TestConcurrentInternalPay(t *testing.T) {
	t.Parallel()
	service, _ := newTestService(t)
	ctx := context.Background()

	payee := createTestUser(t, service)
	payeeInvoice, err := service.CreateInvoice(ctx, payee, "race", 2_000_000, testExpiry,
		InvoiceExtra{Source: invoices.SourceTest})
	testutil.AssertNoErr(t, err)

	const balance = 10_000_000
	payer := fundTestUser(t, service, createTestUser(t, service), balance)

	results := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = service.Pay(ctx, payer, payeeInvoice.Bolt11, testFee,
				invoices.SourceTest, false)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		}
	}
	testutil.AssertEqual(t, 1, succeeded)

	internalFee, serviceFee := testFee.Calc(2_000_000, true)
	after, err := users.GetByID(service.db, payer.ID)
	testutil.AssertNoErr(t, err)
	// the balance decreased by exactly one total
	testutil.AssertEqual(t, int64(balance-2_000_000-internalFee-serviceFee), after.Balance)
}

func paymentHash(t *testing.T, bolt11 string) []byte {
	t.Helper()
	decoded, err := ln.DecodeBolt11(bolt11)
	testutil.AssertNoErr(t, err)
	return decoded.PaymentHash
}
