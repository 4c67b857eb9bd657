package folio_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/folio-engine/folio"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func seededFolio(t *testing.T) (*folio.Ledger, *folio.Validator, *folio.Folio) {
	t.Helper()
	l, store := newLedger(t)
	f := openFolio(t, l)
	ctx := context.Background()
	_, _, err := l.PostCharge(ctx, f.ID, untaxed("100"))
	require.NoError(t, err)
	_, f, err = l.PostPayment(ctx, f.ID, folio.PaymentInput{Amount: money("30"), Method: "cash"})
	require.NoError(t, err)
	return l, folio.NewValidator(store, quietLogger()), f
}

func TestValidate_UntouchedFolioIsClean(t *testing.T) {
	_, v, f := seededFolio(t)

	report, err := v.Validate(context.Background(), f.ID)

	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.False(t, report.Fixed)
	assert.Equal(t, f.TenantID, report.TenantID)
}

func TestValidate_DetectsDriftWithoutWriting(t *testing.T) {
	// GIVEN: a stored balance corrupted behind the ledger's back
	// WHEN: validating
	// THEN: balance and status are reported; nothing is persisted

	l, v, f := seededFolio(t)
	ctx := context.Background()

	corrupt := *f
	corrupt.Balance = money("0")
	corrupt.Status = folio.StatusPaid
	require.NoError(t, l.Store.SaveFolio(ctx, corrupt))

	report, err := v.Validate(ctx, f.ID)

	require.NoError(t, err)
	require.False(t, report.OK())
	assert.True(t, report.HasCritical())
	fields := map[string]folio.Severity{}
	for _, d := range report.Discrepancies {
		fields[d.Field] = d.Severity
	}
	assert.Equal(t, folio.SeverityCritical, fields["balance"])
	assert.Equal(t, folio.SeverityWarning, fields["status"])
	assert.NotContains(t, fields, "total_charges")

	stored, err := l.Store.GetFolio(ctx, f.ID)
	require.NoError(t, err)
	assertMoney(t, "0", stored.Balance, "Validate must not write")
}

func TestValidate_WithinToleranceIsClean(t *testing.T) {
	l, v, f := seededFolio(t)
	ctx := context.Background()

	nudged := *f
	nudged.Balance = f.Balance.Add(money("0.01"))
	require.NoError(t, l.Store.SaveFolio(ctx, nudged))

	report, err := v.Validate(ctx, f.ID)

	require.NoError(t, err)
	assert.True(t, report.OK(), "one cent is within tolerance")
}

func TestAutoFix_RestoresDerivedValues(t *testing.T) {
	l, v, f := seededFolio(t)
	ctx := context.Background()

	corrupt := *f
	corrupt.TotalPayments = money("0")
	corrupt.Balance = money("100")
	corrupt.Status = folio.StatusUnpaid
	require.NoError(t, l.Store.SaveFolio(ctx, corrupt))

	report, err := v.AutoFix(ctx, f.ID)

	require.NoError(t, err)
	assert.True(t, report.Fixed)
	assert.Len(t, report.Discrepancies, 3)

	stored, err := l.Store.GetFolio(ctx, f.ID)
	require.NoError(t, err)
	assertMoney(t, "30", stored.TotalPayments)
	assertMoney(t, "70", stored.Balance)
	assert.Equal(t, folio.StatusPartial, stored.Status)
	assert.Equal(t, f.Version+1, stored.Version)

	again, err := v.Validate(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, again.OK())
}

func TestAutoFix_CleanFolioUntouched(t *testing.T) {
	l, v, f := seededFolio(t)
	ctx := context.Background()

	report, err := v.AutoFix(ctx, f.ID)

	require.NoError(t, err)
	assert.False(t, report.Fixed)
	stored, err := l.Store.GetFolio(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Version, stored.Version)
}

func TestValidateAll_ReturnsOnlyDrifted(t *testing.T) {
	l, v, f := seededFolio(t)
	ctx := context.Background()

	other, _, err := l.Open(ctx, tenant, "res-2")
	require.NoError(t, err)
	_, _, err = l.PostCharge(ctx, other.ID, untaxed("15"))
	require.NoError(t, err)

	corrupt := *f
	corrupt.TotalCharges = money("90")
	require.NoError(t, l.Store.SaveFolio(ctx, corrupt))

	reports, err := v.ValidateAll(ctx, tenant, false)

	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, f.ID, reports[0].FolioID)

	fixed, err := v.ValidateAll(ctx, tenant, true)
	require.NoError(t, err)
	require.Len(t, fixed, 1)
	assert.True(t, fixed[0].Fixed)

	clean, err := v.ValidateAll(ctx, tenant, false)
	require.NoError(t, err)
	assert.Empty(t, clean)
}

func TestValidate_UnknownFolio(t *testing.T) {
	_, v, _ := seededFolio(t)

	_, err := v.Validate(context.Background(), "missing")

	assert.ErrorIs(t, err, folio.ErrFolioNotFound)
}
