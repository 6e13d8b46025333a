package tests

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alovak/payment-extension/extension/models"
	"github.com/alovak/payment-extension/internal/platform"
)

// RunTests runs the behaviour every platform.Client backend must share.
func RunTests(t *testing.T, c platform.Client, teardown func()) {
	for _, tf := range []func(t *testing.T, c platform.Client){
		testCreateAndGet,
		testConditionedUpdate,
		testRejectedBatchIsNotApplied,
		testConcurrentWritersOnSameVersion,
	} {
		tf(t, c)
		teardown()
	}
}

func testCreateAndGet(t *testing.T, c platform.Client) {
	t.Run("testCreateAndGet", func(t *testing.T) {
		ctx := context.Background()

		_, err := c.GetPayment(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, platform.ErrNotFound)

		created, err := c.CreatePayment(ctx, models.PaymentDraft{
			Key:           "order-1",
			AmountPlanned: models.Money{CurrencyCode: "EUR", CentAmount: 1000},
		})
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		assert.Equal(t, int64(1), created.Version)

		fetched, err := c.GetPayment(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, fetched.ID)
		assert.Equal(t, "order-1", fetched.Key)
		assert.Equal(t, int64(1000), fetched.AmountPlanned.CentAmount)
	})
}

func testConditionedUpdate(t *testing.T, c platform.Client) {
	t.Run("testConditionedUpdate", func(t *testing.T) {
		ctx := context.Background()

		created, err := c.CreatePayment(ctx, models.PaymentDraft{AmountPlanned: models.Money{CurrencyCode: "EUR", CentAmount: 1}})
		require.NoError(t, err)

		_, err = c.UpdatePayment(ctx, "00000000-0000-0000-0000-000000000000", 1, nil)
		assert.ErrorIs(t, err, platform.ErrNotFound)

		staged, err := c.UpdatePayment(ctx, created.ID, created.Version, []models.UpdateAction{
			models.SetCustomField(models.FieldMakePaymentRequest, `{"reference":"r"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, created.Version+1, staged.Version)

		_, err = c.UpdatePayment(ctx, created.ID, created.Version, []models.UpdateAction{
			models.NewAction(models.ActionSetKey, map[string]any{"key": "stale"}),
		})
		assert.ErrorIs(t, err, platform.ErrVersionConflict)

		// identical payload against the current version is applied again
		again, err := c.UpdatePayment(ctx, created.ID, staged.Version, []models.UpdateAction{
			models.SetCustomField(models.FieldMakePaymentRequest, `{"reference":"r"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, staged.Version+1, again.Version)

		fetched, err := c.GetPayment(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, again.Version, fetched.Version)
		assert.Empty(t, fetched.Key)
		v, ok := fetched.CustomField(models.FieldMakePaymentRequest)
		assert.True(t, ok)
		assert.Equal(t, `{"reference":"r"}`, v)
	})
}

func testRejectedBatchIsNotApplied(t *testing.T, c platform.Client) {
	t.Run("testRejectedBatchIsNotApplied", func(t *testing.T) {
		ctx := context.Background()

		created, err := c.CreatePayment(ctx, models.PaymentDraft{AmountPlanned: models.Money{CurrencyCode: "EUR", CentAmount: 1}})
		require.NoError(t, err)

		_, err = c.UpdatePayment(ctx, created.ID, created.Version, []models.UpdateAction{
			models.NewAction(models.ActionSetKey, map[string]any{"key": "k"}),
			models.NewAction("unknownAction", nil),
		})
		assert.ErrorIs(t, err, platform.ErrInvalidAction)

		fetched, err := c.GetPayment(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.Version, fetched.Version)
		assert.Empty(t, fetched.Key)
	})
}

func testConcurrentWritersOnSameVersion(t *testing.T, c platform.Client) {
	t.Run("testConcurrentWritersOnSameVersion", func(t *testing.T) {
		ctx := context.Background()

		created, err := c.CreatePayment(ctx, models.PaymentDraft{AmountPlanned: models.Money{CurrencyCode: "EUR", CentAmount: 1}})
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.UpdatePayment(ctx, created.ID, created.Version, []models.UpdateAction{
					models.NewAction(models.ActionSetStatusInterfaceText, map[string]any{"interfaceText": "x"}),
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		var ok, conflicts int
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, platform.ErrVersionConflict):
				conflicts++
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, writers-1, conflicts)

		fetched, err := c.GetPayment(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.Version+1, fetched.Version)
	})
}
