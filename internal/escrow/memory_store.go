package escrow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/rampsettle/internal/orders"
)

type txKey struct {
	contractID int64
	action     Action
}

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	contracts    map[int64]*Contract
	byOrder      map[int64]int64
	members      map[int64]map[MemberType]ContractMember
	transactions map[txKey]*Transaction
	recipients   map[int64][]Recipient
	mu           sync.RWMutex

	nextContractID  atomic.Int64
	nextTxID        atomic.Int64
	nextRecipientID atomic.Int64
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts:    make(map[int64]*Contract),
		byOrder:      make(map[int64]int64),
		members:      make(map[int64]map[MemberType]ContractMember),
		transactions: make(map[txKey]*Transaction),
		recipients:   make(map[int64][]Recipient),
	}
}

func (m *MemoryStore) EnsureContract(_ context.Context, c *Contract) (*Contract, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byOrder[c.OrderID]; ok {
		cp := *m.contracts[id]
		return &cp, false, nil
	}
	now := time.Now()
	stored := *c
	stored.ID = m.nextContractID.Add(1)
	stored.CreatedAt, stored.UpdatedAt = now, now
	m.contracts[stored.ID] = &stored
	m.byOrder[stored.OrderID] = stored.ID

	cp := stored
	return &cp, true, nil
}

func (m *MemoryStore) GetContract(_ context.Context, id int64) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetContractByOrder(ctx context.Context, orderID int64) (*Contract, error) {
	m.mu.RLock()
	id, ok := m.byOrder[orderID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrContractNotFound
	}
	return m.GetContract(ctx, id)
}

func (m *MemoryStore) GetContractByAddress(_ context.Context, address string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := NormalizeAddress(address)
	for _, c := range m.contracts {
		if c.Address != "" && NormalizeAddress(c.Address) == want {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrContractNotFound
}

func (m *MemoryStore) ListMembers(_ context.Context, contractID int64) ([]ContractMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ContractMember
	for _, t := range []MemberType{MemberArbiter, MemberSeller, MemberBuyer} {
		if mem, ok := m.members[contractID][t]; ok {
			result = append(result, mem)
		}
	}
	return result, nil
}

func (m *MemoryStore) SaveGeneration(_ context.Context, contractID int64, prevAddress, address string, members []ContractMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contracts[contractID]
	if !ok {
		return ErrContractNotFound
	}
	if c.Address != prevAddress {
		return ErrConcurrentGeneration
	}
	c.Address = address
	c.UpdatedAt = time.Now()

	set, ok := m.members[contractID]
	if !ok {
		set = make(map[MemberType]ContractMember)
		m.members[contractID] = set
	}
	for _, mem := range members {
		mem.ContractID = contractID
		set[mem.MemberType] = mem
	}
	return nil
}

func (m *MemoryStore) OpenTransaction(_ context.Context, contractID int64, action Action) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contracts[contractID]; !ok {
		return nil, ErrContractNotFound
	}
	key := txKey{contractID, action}
	if t, ok := m.transactions[key]; ok {
		cp := *t
		return &cp, nil
	}
	now := time.Now()
	t := &Transaction{
		ID:         m.nextTxID.Add(1),
		ContractID: contractID,
		Action:     action,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.transactions[key] = t
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, contractID int64, action Action) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transactions[txKey{contractID, action}]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListRecipients(_ context.Context, transactionID int64) ([]Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Recipient(nil), m.recipients[transactionID]...), nil
}

// Bind returns a TxWriter whose writes are applied when tx commits.
func (m *MemoryStore) Bind(tx *orders.MemoryTx) TxWriter {
	return &memoryTxWriter{store: m, tx: tx, pending: make(map[txKey]*Transaction)}
}

type memoryTxWriter struct {
	store   *MemoryStore
	tx      *orders.MemoryTx
	pending map[txKey]*Transaction
}

func (w *memoryTxWriter) TransactionFor(ctx context.Context, contractID int64, action Action) (*Transaction, error) {
	if t, ok := w.pending[txKey{contractID, action}]; ok {
		cp := *t
		return &cp, nil
	}
	return w.store.GetTransaction(ctx, contractID, action)
}

func (w *memoryTxWriter) FinalizeTransaction(ctx context.Context, contractID int64, action Action, txid string) (*Transaction, error) {
	m := w.store
	m.mu.RLock()
	for _, t := range m.transactions {
		if t.TxID == txid && (t.ContractID != contractID || t.Action != action) {
			m.mu.RUnlock()
			return nil, ErrTxIDInUse
		}
	}
	m.mu.RUnlock()

	t, err := w.TransactionFor(ctx, contractID, action)
	if err == ErrTransactionNotFound {
		now := time.Now()
		t = &Transaction{ID: m.nextTxID.Add(1), ContractID: contractID, Action: action, CreatedAt: now}
	} else if err != nil {
		return nil, err
	}
	t.TxID = txid
	t.Valid = true
	t.UpdatedAt = time.Now()

	key := txKey{contractID, action}
	w.pending[key] = t
	final := *t
	w.tx.OnCommit(func() {
		m.mu.Lock()
		m.transactions[key] = &final
		m.mu.Unlock()
	})
	cp := *t
	return &cp, nil
}

func (w *memoryTxWriter) InsertRecipients(_ context.Context, transactionID int64, outputs []TxIO) ([]Recipient, error) {
	m := w.store
	result := make([]Recipient, len(outputs))
	for i, out := range outputs {
		result[i] = Recipient{
			ID:            m.nextRecipientID.Add(1),
			TransactionID: transactionID,
			OutputIndex:   i,
			Address:       out.Address,
			Value:         out.Value,
		}
	}
	rows := append([]Recipient(nil), result...)
	w.tx.OnCommit(func() {
		m.mu.Lock()
		m.recipients[transactionID] = append(m.recipients[transactionID], rows...)
		m.mu.Unlock()
	})
	return result, nil
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ TxWriter = (*memoryTxWriter)(nil)
)
