package registry

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"dato/internal/logger"
	"dato/internal/validatorset"
)

// RegistryABI is the read surface and events of the on-chain validator registry.
const RegistryABI = `[
	{"type":"function","name":"getValidatorCount","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getValidatorByIndex","stateMutability":"view",
	 "inputs":[{"name":"_index","type":"uint64"}],
	 "outputs":[{"name":"","type":"tuple","components":[
		{"name":"index","type":"uint256"},
		{"name":"blsPubKey","type":"bytes"},
		{"name":"stake","type":"uint256"},
		{"name":"socket","type":"string"},
		{"name":"exists","type":"bool"}]}]},
	{"type":"event","name":"ValidatorRegistered","anonymous":false,"inputs":[
		{"name":"validator","type":"address","indexed":true},
		{"name":"index","type":"uint256","indexed":false}]},
	{"type":"event","name":"StakeDeposited","anonymous":false,"inputs":[
		{"name":"validator","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"ValidatorRemoved","anonymous":false,"inputs":[
		{"name":"validator","type":"address","indexed":true},
		{"name":"index","type":"uint256","indexed":false}]}
]`

// contractValidator mirrors the Validator struct returned by the contract.
type contractValidator struct {
	Index     *big.Int `json:"index"`
	BlsPubKey []byte   `json:"blsPubKey"`
	Stake     *big.Int `json:"stake"`
	Socket    string   `json:"socket"`
	Exists    bool     `json:"exists"`
}

// Backend is the subset of an Ethereum client the registry needs.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractCaller
	bind.ContractFilterer
}

// Contract reads validators from the on-chain registry.
type Contract struct {
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
	backend  Backend
	minStake uint64
	versions versioner
}

// DialContract connects to an execution client and binds the registry at address.
func DialContract(ctx context.Context, url string, address common.Address, minStake uint64) (*Contract, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial execution client:\n%w", err)
	}

	return NewContract(client, address, minStake)
}

// NewContract binds the registry at address over backend.
func NewContract(backend Backend, address common.Address, minStake uint64) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi:\n%w", err)
	}

	return &Contract{
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, backend, nil, backend),
		backend:  backend,
		minStake: minStake,
	}, nil
}

// ValidatorCount returns the number of registered validators.
func (c *Contract) ValidatorCount(ctx context.Context) (uint64, error) {
	var out []interface{}

	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getValidatorCount"); err != nil {
		return 0, fmt.Errorf("getValidatorCount:\n%w", err)
	}

	count, ok := out[0].(*big.Int)
	if !ok || !count.IsUint64() {
		return 0, fmt.Errorf("getValidatorCount returned %v", out[0])
	}

	return count.Uint64(), nil
}

// ValidatorAt returns the validator in slot i of the contract's list.
func (c *Contract) ValidatorAt(ctx context.Context, i uint64) (validatorset.Identity, error) {
	var out []interface{}

	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getValidatorByIndex", i); err != nil {
		return validatorset.Identity{}, fmt.Errorf("getValidatorByIndex(%d):\n%w", i, err)
	}

	v := *abi.ConvertType(out[0], new(contractValidator)).(*contractValidator)

	if !v.Exists {
		return validatorset.Identity{}, fmt.Errorf("slot %d:\n%w", i, ErrNotRegistered)
	}

	if !v.Index.IsUint64() || !v.Stake.IsUint64() {
		return validatorset.Identity{}, fmt.Errorf("slot %d: index or stake exceeds 64 bits", i)
	}

	return validatorset.Identity{
		Index:     v.Index.Uint64(),
		PublicKey: v.BlsPubKey,
		Stake:     v.Stake.Uint64(),
		Socket:    v.Socket,
	}, nil
}

// Snapshot reads every validator from the contract. Slots that fail to
// decode are logged and skipped.
func (c *Contract) Snapshot(ctx context.Context) (*validatorset.Set, error) {
	count, err := c.ValidatorCount(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]validatorset.Identity, 0, count)

	for i := uint64(0); i < count; i++ {
		id, err := c.ValidatorAt(ctx, i)
		if err != nil {
			logger.Warn("skipping registry slot", "slot", i, "error", err)
			continue
		}

		ids = append(ids, id)
	}

	return validatorset.New(c.versions.next(ids), ids, c.minStake)
}

// Changes signals whenever the registry emits one of its events.
func (c *Contract) Changes(ctx context.Context) (<-chan struct{}, error) {
	topics := []common.Hash{
		c.abi.Events["ValidatorRegistered"].ID,
		c.abi.Events["StakeDeposited"].ID,
		c.abi.Events["ValidatorRemoved"].ID,
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{topics},
	}

	logs := make(chan types.Log, 16)

	sub, err := c.backend.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe registry logs:\n%w", err)
	}

	out := make(chan struct{}, 1)

	go func() {
		defer sub.Unsubscribe()
		defer close(out)

		for {
			select {
			case l := <-logs:
				logger.Debug("registry event", "block", l.BlockNumber, "tx", l.TxHash)

				select {
				case out <- struct{}{}:
				default:
				}
			case err := <-sub.Err():
				if err != nil {
					logger.Warn("registry subscription ended", "error", err)
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
