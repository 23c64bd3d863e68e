package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"dato/internal/validatorset"
)

// EventKind names a registry change.
type EventKind int

const (
	EventRegistered EventKind = iota // a validator joined
	EventDeposited                   // a validator added stake
	EventRemoved                     // a validator withdrew and left
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "registered"
	case EventDeposited:
		return "deposited"
	case EventRemoved:
		return "removed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is emitted after every successful registry mutation.
type Event struct {
	Kind    EventKind      // Kind is what happened
	Address common.Address // Address is the validator's account
	Index   uint64         // Index is the validator's registry index
	Stake   uint64         // Stake is the validator's stake after the change
}

// PayoutFunc transfers a withdrawn stake back to its owner.
type PayoutFunc func(to common.Address, amount uint64) error

// Memory is an in-process registry with the same rules as the on-chain one.
// It backs tests and local networks.
type Memory struct {
	mu        sync.RWMutex
	minStake  uint64
	nextIndex uint64
	version   uint64
	records   map[common.Address]*Record
	addresses []common.Address       // addresses in registration order, modulo removals
	positions map[common.Address]int // positions maps an address to its slot in addresses
	payout    PayoutFunc

	feed event.Feed
}

// NewMemory creates an empty registry. A nil payout always succeeds.
func NewMemory(minStake uint64, payout PayoutFunc) *Memory {
	if payout == nil {
		payout = func(common.Address, uint64) error { return nil }
	}

	return &Memory{
		minStake:  minStake,
		records:   make(map[common.Address]*Record),
		positions: make(map[common.Address]int),
		payout:    payout,
	}
}

// RegisterValidator registers addr with the declared stake. value is the
// amount actually attached and must equal stake.
func (m *Memory) RegisterValidator(addr common.Address, publicKey []byte, socket string, stake, value uint64) (uint64, error) {
	m.mu.Lock()

	if _, ok := m.records[addr]; ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%s:\n%w", addr, ErrAlreadyRegistered)
	}

	if stake == 0 || stake < m.minStake {
		m.mu.Unlock()
		return 0, fmt.Errorf("stake %d < %d:\n%w", stake, m.minStake, ErrInsufficientStake)
	}

	if value != stake {
		m.mu.Unlock()
		return 0, fmt.Errorf("value %d, stake %d:\n%w", value, stake, ErrValueMismatch)
	}

	rec := &Record{
		Address:   addr,
		Index:     m.nextIndex,
		PublicKey: append([]byte(nil), publicKey...),
		Stake:     stake,
		Socket:    socket,
	}

	m.nextIndex++
	m.records[addr] = rec
	m.positions[addr] = len(m.addresses)
	m.addresses = append(m.addresses, addr)
	m.version++

	ev := Event{Kind: EventRegistered, Address: addr, Index: rec.Index, Stake: rec.Stake}
	m.mu.Unlock()

	m.feed.Send(ev)

	return rec.Index, nil
}

// DepositStake adds value to a registered validator's stake.
func (m *Memory) DepositStake(addr common.Address, value uint64) error {
	m.mu.Lock()

	rec, ok := m.records[addr]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s:\n%w", addr, ErrNotRegistered)
	}

	if rec.Stake+value < rec.Stake {
		m.mu.Unlock()
		return fmt.Errorf("deposit of %d overflows stake %d", value, rec.Stake)
	}

	rec.Stake += value
	m.version++

	ev := Event{Kind: EventDeposited, Address: addr, Index: rec.Index, Stake: rec.Stake}
	m.mu.Unlock()

	m.feed.Send(ev)

	return nil
}

// WithdrawAllStake pays out a validator's whole stake and removes it.
// The record is kept if the payout fails.
func (m *Memory) WithdrawAllStake(addr common.Address) error {
	m.mu.Lock()

	rec, ok := m.records[addr]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s:\n%w", addr, ErrNotRegistered)
	}

	if err := m.payout(addr, rec.Stake); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("pay %d to %s: %v:\n%w", rec.Stake, addr, err, ErrTransferFailed)
	}

	// swap with the last address, then truncate
	pos := m.positions[addr]
	last := len(m.addresses) - 1

	if pos != last {
		moved := m.addresses[last]
		m.addresses[pos] = moved
		m.positions[moved] = pos
	}

	m.addresses = m.addresses[:last]
	delete(m.positions, addr)
	delete(m.records, addr)
	m.version++

	ev := Event{Kind: EventRemoved, Address: addr, Index: rec.Index}
	m.mu.Unlock()

	m.feed.Send(ev)

	return nil
}

// GetValidator returns the record registered for addr.
func (m *Memory) GetValidator(addr common.Address) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[addr]
	if !ok {
		return Record{}, fmt.Errorf("%s:\n%w", addr, ErrNotRegistered)
	}

	return *rec, nil
}

// GetValidatorByIndex returns the record with the given registry index.
func (m *Memory) GetValidatorByIndex(index uint64) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, addr := range m.addresses {
		if rec := m.records[addr]; rec.Index == index {
			return *rec, nil
		}
	}

	return Record{}, fmt.Errorf("index %d:\n%w", index, ErrNotRegistered)
}

// GetAllValidatorSockets returns every socket in address-list order.
func (m *Memory) GetAllValidatorSockets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sockets := make([]string, len(m.addresses))
	for i, addr := range m.addresses {
		sockets[i] = m.records[addr].Socket
	}

	return sockets
}

// Len returns the number of registered validators.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.addresses)
}

// Subscribe delivers every subsequent Event to ch. Sends block until ch
// accepts, so ch should be buffered and drained.
func (m *Memory) Subscribe(ch chan<- Event) event.Subscription {
	return m.feed.Subscribe(ch)
}

// Snapshot returns the current validators as a set.
func (m *Memory) Snapshot(_ context.Context) (*validatorset.Set, error) {
	m.mu.RLock()
	ids := make([]validatorset.Identity, 0, len(m.addresses))
	for _, addr := range m.addresses {
		ids = append(ids, m.records[addr].identity())
	}
	version := m.version
	m.mu.RUnlock()

	return validatorset.New(version, ids, m.minStake)
}

// Changes signals once per registry event until ctx ends.
func (m *Memory) Changes(ctx context.Context) (<-chan struct{}, error) {
	events := make(chan Event, 16)
	sub := m.feed.Subscribe(events)

	out := make(chan struct{}, 1)

	go func() {
		defer sub.Unsubscribe()
		defer close(out)

		for {
			select {
			case <-events:
				select {
				case out <- struct{}{}:
				default: // a refresh is already pending
				}
			case <-sub.Err():
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
