package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, job *BillingJob) (string, error) {
	return "ok", nil
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(TypeRetryPayment, noopHandler))

	h, ok := r.Handler(TypeRetryPayment)
	require.True(t, ok)
	result, err := h(context.Background(), &BillingJob{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(TypeExpireTrial, noopHandler))
	err := r.Register(TypeExpireTrial, noopHandler)
	assert.Error(t, err)
}

func TestRegistryRejectsUnknownType(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(JobType("frobnicate"), noopHandler))
}

func TestRegistryRejectsNilHandler(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(TypeRenewSubscription, nil))
}

func TestRegistryMissingHandler(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Handler(TypeSendReminder)
	assert.False(t, ok)
}

func TestRegistryTypes(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(TypeGenerateInvoice, noopHandler)
	r.MustRegister(TypeCancelSubscription, noopHandler)

	types := r.Types()
	assert.Len(t, types, 2)
	assert.Contains(t, types, TypeGenerateInvoice)
	assert.Contains(t, types, TypeCancelSubscription)
}

func TestMustRegisterPanics(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(TypeProcessPayment, noopHandler)
	assert.Panics(t, func() {
		r.MustRegister(TypeProcessPayment, noopHandler)
	})
}

func TestJobTypeValid(t *testing.T) {
	assert.True(t, TypeRetryPayment.Valid())
	assert.True(t, TypeExpireTrial.Valid())
	assert.False(t, JobType("").Valid())
	assert.False(t, JobType("mystery").Valid())
}
