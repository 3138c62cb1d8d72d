package postgres

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"

	"github.com/mkarlin/sagaflow/execlog"
	"github.com/mkarlin/sagaflow/types"
)

func getTestConfig() *Config {
	config := DefaultConfig()
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		config.Host = host
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		config.User = user
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		config.Password = password
	}
	if database := os.Getenv("POSTGRES_DB"); database != "" {
		config.Database = database
	}
	return config
}

// newTestLog connects to the database or skips the test when no
// PostgreSQL instance is reachable.
func newTestLog(t *testing.T) execlog.Log {
	l, err := NewPostgresLog(getTestConfig())
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	return l
}

func TestStepRecordRoundTrip(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	txID := "pg-test-" + uuid.NewString()
	defer l.Remove(ctx, txID)

	rec := &execlog.StepRecord{
		TransactionID: txID,
		StepID:        "reserve",
		Action:        types.ActionInvoke,
		Status:        types.StepRunning,
		Attempt:       1,
		UpdatedAt:     time.Now(),
	}
	assert.Nil(t, l.Append(ctx, rec))

	rec.Status = types.StepSuccess
	rec.Seq = 1
	rec.Payload = types.Data{"reservation_id": "res-1"}
	assert.Nil(t, l.Append(ctx, rec))

	found, err := l.Find(ctx, txID, "reserve", types.ActionInvoke)
	assert.Nil(t, err)
	assert.Equal(t, types.StepSuccess, found.Status)
	assert.Equal(t, int64(1), found.Seq)
	id, _ := found.Payload.GetString("reservation_id")
	assert.Equal(t, "res-1", id)

	_, err = l.Find(ctx, txID, "missing", types.ActionInvoke)
	assert.True(t, errors.IsNotFound(err))
}

func TestAppendTerminalWins(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	txID := "pg-test-" + uuid.NewString()
	defer l.Remove(ctx, txID)

	rec := &execlog.StepRecord{
		TransactionID: txID,
		StepID:        "charge",
		Action:        types.ActionInvoke,
		Status:        types.StepSuccess,
		Seq:           1,
		UpdatedAt:     time.Now(),
	}
	assert.Nil(t, l.Append(ctx, rec))

	// duplicate delivery of the same outcome is absorbed
	assert.Nil(t, l.Append(ctx, rec))

	// a different status against a terminal key is rejected
	rec.Status = types.StepFailed
	assert.True(t, errors.IsAlreadyExists(l.Append(ctx, rec)))

	// the compensate action is an independent key
	comp := &execlog.StepRecord{
		TransactionID: txID,
		StepID:        "charge",
		Action:        types.ActionCompensate,
		Status:        types.StepCompensated,
		Seq:           1,
		UpdatedAt:     time.Now(),
	}
	assert.Nil(t, l.Append(ctx, comp))
}

func TestLoadOrdersBySeq(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	txID := "pg-test-" + uuid.NewString()
	defer l.Remove(ctx, txID)

	for i, step := range []string{"third", "first", "second"} {
		seq := map[string]int64{"first": 1, "second": 2, "third": 3}[step]
		assert.Nil(t, l.Append(ctx, &execlog.StepRecord{
			TransactionID: txID,
			StepID:        step,
			Action:        types.ActionInvoke,
			Status:        types.StepSuccess,
			Attempt:       i + 1,
			Seq:           seq,
			UpdatedAt:     time.Now(),
		}))
	}

	records, err := l.Load(ctx, txID)
	assert.Nil(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, "first", records[0].StepID)
	assert.Equal(t, "second", records[1].StepID)
	assert.Equal(t, "third", records[2].StepID)
}

func TestTransactionLifecycle(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	txID := "pg-test-" + uuid.NewString()
	defer l.Remove(ctx, txID)

	rec := &execlog.TransactionRecord{
		TransactionID: txID,
		WorkflowID:    "order",
		Status:        types.TxInvoking,
		Input:         types.Data{"sku": "SKU-1"},
		StartTime:     time.Now(),
	}
	assert.Nil(t, l.SaveTransaction(ctx, rec))

	pending, err := l.ListPending(ctx)
	assert.Nil(t, err)
	assert.Contains(t, pending, txID)

	now := time.Now()
	rec.Status = types.TxDone
	rec.Result = types.Data{"total": 42}
	rec.EndTime = &now
	assert.Nil(t, l.SaveTransaction(ctx, rec))

	loaded, err := l.LoadTransaction(ctx, txID)
	assert.Nil(t, err)
	assert.Equal(t, types.TxDone, loaded.Status)
	assert.NotNil(t, loaded.EndTime)
	sku, _ := loaded.Input.GetString("sku")
	assert.Equal(t, "SKU-1", sku)

	pending, err = l.ListPending(ctx)
	assert.Nil(t, err)
	assert.NotContains(t, pending, txID)

	assert.Nil(t, l.Remove(ctx, txID))
	_, err = l.LoadTransaction(ctx, txID)
	assert.True(t, errors.IsNotFound(err))

	// removing an absent transaction is idempotent
	assert.Nil(t, l.Remove(ctx, txID))
}
