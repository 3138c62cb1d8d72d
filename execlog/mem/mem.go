package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/juju/errors"

	"github.com/mkarlin/sagaflow/execlog"
	"github.com/mkarlin/sagaflow/types"
	"github.com/mkarlin/sagaflow/utils"
)

var (
	_ execlog.Log = &memLog{}
)

func NewMemLog() execlog.Log {
	return &memLog{
		steps: make(map[string]*execlog.StepRecord),
		txs:   make(map[string]*execlog.TransactionRecord),
		// setup no error as default
		mockErrHandler: defaultNoErr,
	}
}

/**
 * NewMemLogWithErrHandler injects a failure hook fired on every
 * operation, for driving storage faults through the engine in tests.
 */
func NewMemLogWithErrHandler(errHandler func() error) execlog.Log {
	return &memLog{
		steps:          make(map[string]*execlog.StepRecord),
		txs:            make(map[string]*execlog.TransactionRecord),
		mockErrHandler: errHandler,
	}
}

func defaultNoErr() error {
	return nil
}

/**
 * memLog keeps everything in process memory. It aims to provide a
 * method for debug & testing. NEVER use it in the Production!
 */
type memLog struct {
	mu sync.Mutex

	mockErrHandler func() error

	steps map[string]*execlog.StepRecord
	txs   map[string]*execlog.TransactionRecord
}

func stepKey(txID, stepID string, action types.Action) string {
	return txID + "|" + stepID + "|" + string(action)
}

func (m *memLog) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := "\n----------\n"
	for _, tx := range m.txs {
		s += fmt.Sprintf("tx %s [%s] %s\n", tx.TransactionID, tx.WorkflowID, tx.Status)
	}
	for key, rec := range m.steps {
		s += fmt.Sprintf("%s: %s seq=%d\n", key, rec.Status, rec.Seq)
	}
	s += "----------\n"
	return s
}

func (m *memLog) Append(ctx context.Context, rec *execlog.StepRecord) error {
	if err := m.mockErrHandler(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := stepKey(rec.TransactionID, rec.StepID, rec.Action)
	if prev, exists := m.steps[key]; exists && prev.Terminal() {
		if prev.Status == rec.Status {
			// duplicate delivery of the same terminal outcome
			return nil
		}
		return errors.AlreadyExistsf("terminal record %s", key)
	}

	c := *rec
	c.Payload = rec.Payload.Clone()
	m.steps[key] = &c
	return nil
}

func (m *memLog) Load(ctx context.Context, transactionID string) ([]*execlog.StepRecord, error) {
	if err := m.mockErrHandler(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]*execlog.StepRecord, 0)
	for _, rec := range m.steps {
		if rec.TransactionID == transactionID {
			c := *rec
			records = append(records, &c)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Seq != records[j].Seq {
			return records[i].Seq < records[j].Seq
		}
		return records[i].StepID < records[j].StepID
	})
	return records, nil
}

func (m *memLog) Find(ctx context.Context, transactionID, stepID string, action types.Action) (*execlog.StepRecord, error) {
	if err := m.mockErrHandler(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.steps[stepKey(transactionID, stepID, action)]
	if !exists {
		return nil, errors.NotFoundf("step record %s %s", transactionID, stepID)
	}
	c := *rec
	return &c, nil
}

func (m *memLog) SaveTransaction(ctx context.Context, rec *execlog.TransactionRecord) error {
	if err := m.mockErrHandler(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := *rec
	c.Input = rec.Input.Clone()
	c.Result = rec.Result.Clone()
	m.txs[rec.TransactionID] = &c
	return nil
}

func (m *memLog) LoadTransaction(ctx context.Context, transactionID string) (*execlog.TransactionRecord, error) {
	if err := m.mockErrHandler(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.txs[transactionID]
	if !exists {
		return nil, errors.NotFoundf("transaction %s", transactionID)
	}
	c := *rec
	return &c, nil
}

func (m *memLog) ListPending(ctx context.Context) ([]string, error) {
	if err := m.mockErrHandler(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0)
	for id, rec := range m.txs {
		if !rec.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return utils.UniqueSlice(ids), nil
}

func (m *memLog) Remove(ctx context.Context, transactionID string) error {
	if err := m.mockErrHandler(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.txs, transactionID)
	for key, rec := range m.steps {
		if rec.TransactionID == transactionID {
			delete(m.steps, key)
		}
	}
	return nil
}
