package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/rampsettle/internal/fees"
	"github.com/mbd888/rampsettle/internal/metrics"
	"github.com/mbd888/rampsettle/internal/orders"
	"github.com/mbd888/rampsettle/internal/syncutil"
)

// MemberKey is one party's key material as submitted for generation.
type MemberKey struct {
	PubKey      string `json:"pubkey"`
	Address     string `json:"address"`
	AddressPath string `json:"addressPath,omitempty"`
}

func (k MemberKey) validate(role MemberType) error {
	if strings.TrimSpace(k.PubKey) == "" || strings.TrimSpace(k.Address) == "" {
		return fmt.Errorf("%w: %s pubkey and address are required", ErrInvalidMember, strings.ToLower(string(role)))
	}
	return nil
}

// GenerateRequest asks for the order's contract to be (re)generated with
// the given arbiter.
type GenerateRequest struct {
	OrderID   int64     `json:"orderId"`
	ArbiterID int64     `json:"arbiterId"`
	Arbiter   MemberKey `json:"arbiter"`
	Seller    MemberKey `json:"seller"`
	Buyer     MemberKey `json:"buyer"`
}

// GenerateResult is the contract after generation.
type GenerateResult struct {
	Contract    *Contract        `json:"contract"`
	Members     []ContractMember `json:"members"`
	Regenerated bool             `json:"regenerated"`
}

// GenerateOutcome is delivered by GenerateAsync.
type GenerateOutcome struct {
	Result *GenerateResult
	Err    error
}

// Service manages contract generation and escrow transaction placeholders.
type Service struct {
	store     Store
	orders    *orders.Service
	fees      *fees.Calculator
	generator Generator
	subs      SubscriptionManager
	version   string
	locks     *syncutil.KeyedMutex
	logger    *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store, orderSvc *orders.Service, calc *fees.Calculator, generator Generator) *Service {
	return &Service{
		store:     store,
		orders:    orderSvc,
		fees:      calc,
		generator: generator,
		subs:      noopSubscriptions{},
		locks:     syncutil.NewKeyedMutex(),
		logger:    slog.Default(),
	}
}

// WithSubscriptions sets the address subscription manager.
func (s *Service) WithSubscriptions(subs SubscriptionManager) *Service {
	s.subs = subs
	return s
}

// WithVersion sets the contract script version recorded on new contracts.
func (s *Service) WithVersion(version string) *Service {
	s.version = version
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// GenerateContract creates the order's contract on first call, freezing its
// fees, and derives a new address whenever none exists or the arbiter
// changed. Calls for the same order are serialized.
func (s *Service) GenerateContract(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if req.ArbiterID == 0 {
		return nil, fmt.Errorf("%w: arbiter is required", ErrInvalidMember)
	}
	for role, key := range map[MemberType]MemberKey{MemberArbiter: req.Arbiter, MemberSeller: req.Seller, MemberBuyer: req.Buyer} {
		if err := key.validate(role); err != nil {
			return nil, err
		}
	}

	unlock, err := s.locks.Lock(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.CurrentStatus != orders.StatusConfirmed && o.CurrentStatus != orders.StatusEscrowPending {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidStatus, o.CurrentStatus)
	}
	roles := orders.ResolveRoles(o)
	if roles.IsParty(req.ArbiterID) {
		return nil, fmt.Errorf("%w: arbiter cannot be a trade party", ErrInvalidMember)
	}

	contract, err := s.contractFor(ctx, o)
	if err != nil {
		return nil, err
	}

	arbiterChanged := o.ArbiterID == nil || *o.ArbiterID != req.ArbiterID
	if contract.Address != "" && !arbiterChanged {
		members, err := s.store.ListMembers(ctx, contract.ID)
		if err != nil {
			return nil, err
		}
		if err := s.subs.Subscribe(ctx, contract.Address, contract.ID); err != nil {
			return nil, fmt.Errorf("subscribe contract address: %w", err)
		}
		return &GenerateResult{Contract: contract, Members: members}, nil
	}
	if o.CurrentStatus == orders.StatusEscrowPending {
		return nil, ErrContractFunding
	}

	address, err := s.generator.Generate(ctx, GenerateParams{
		ArbiterPubKey:  req.Arbiter.PubKey,
		SellerPubKey:   req.Seller.PubKey,
		BuyerPubKey:    req.Buyer.PubKey,
		ServiceFee:     contract.ServiceFee,
		ArbitrationFee: contract.ArbitrationFee,
	})
	if err != nil {
		metrics.ContractsGeneratedTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ContractsGeneratedTotal.WithLabelValues("ok").Inc()

	members := []ContractMember{
		memberFrom(contract.ID, MemberArbiter, req.ArbiterID, req.Arbiter),
		memberFrom(contract.ID, MemberSeller, roles.Seller, req.Seller),
		memberFrom(contract.ID, MemberBuyer, roles.Buyer, req.Buyer),
	}
	prev := contract.Address
	if err := s.store.SaveGeneration(ctx, contract.ID, prev, address, members); err != nil {
		return nil, err
	}
	contract.Address = address

	if arbiterChanged {
		if err := s.orders.AssignArbiter(ctx, o.ID, req.ArbiterID); err != nil {
			return nil, fmt.Errorf("assign arbiter: %w", err)
		}
	}

	if prev != "" && prev != address {
		if err := s.subs.Unsubscribe(ctx, prev, contract.ID); err != nil {
			s.logger.Warn("failed to unsubscribe superseded contract address",
				"orderId", o.ID, "address", prev, "error", err)
		}
	}
	if err := s.subs.Subscribe(ctx, address, contract.ID); err != nil {
		return nil, fmt.Errorf("subscribe contract address: %w", err)
	}

	s.logger.Info("contract generated",
		"orderId", o.ID, "contractId", contract.ID, "address", address,
		"arbiterId", req.ArbiterID, "previous", prev)
	return &GenerateResult{Contract: contract, Members: members, Regenerated: true}, nil
}

// GenerateAsync runs GenerateContract in the background. The channel
// receives exactly one outcome.
func (s *Service) GenerateAsync(ctx context.Context, req GenerateRequest) <-chan GenerateOutcome {
	ch := make(chan GenerateOutcome, 1)
	go func() {
		res, err := s.GenerateContract(ctx, req)
		ch <- GenerateOutcome{Result: res, Err: err}
	}()
	return ch
}

// contractFor returns the order's contract, creating it with freshly
// computed fees if it does not exist yet.
func (s *Service) contractFor(ctx context.Context, o *orders.Order) (*Contract, error) {
	contract, err := s.store.GetContractByOrder(ctx, o.ID)
	if err == nil {
		return contract, nil
	}
	if !errors.Is(err, ErrContractNotFound) {
		return nil, err
	}

	amount := o.TradeAmount
	_, breakdown, err := s.fees.Compute(ctx, &amount)
	if err != nil {
		return nil, fmt.Errorf("compute fees: %w", err)
	}
	contract, created, err := s.store.EnsureContract(ctx, &Contract{
		OrderID:        o.ID,
		Version:        s.version,
		ArbitrationFee: breakdown.ArbitrationFee,
		ServiceFee:     breakdown.ServiceFee,
		ContractFee:    breakdown.ContractFee,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("contract fees frozen",
			"orderId", o.ID, "contractId", contract.ID,
			"contractFee", contract.ContractFee, "serviceFee", contract.ServiceFee,
			"arbitrationFee", contract.ArbitrationFee)
	}
	return contract, nil
}

func memberFrom(contractID int64, t MemberType, peerID int64, k MemberKey) ContractMember {
	return ContractMember{
		ContractID:  contractID,
		MemberType:  t,
		PeerID:      peerID,
		PubKey:      k.PubKey,
		Address:     k.Address,
		AddressPath: k.AddressPath,
	}
}

// BeginEscrow moves the order to ESCROW_PENDING on the seller's behalf once
// a contract address exists to fund.
func (s *Service) BeginEscrow(ctx context.Context, orderID, sellerID int64) (*orders.StatusEvent, error) {
	unlock, err := s.locks.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	contract, err := s.store.GetContractByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if contract.Address == "" {
		return nil, ErrContractNotGenerated
	}
	return s.orders.MarkEscrowPending(ctx, orderID, sellerID)
}

// Contract returns the order's contract and members.
func (s *Service) Contract(ctx context.Context, orderID int64) (*Contract, []ContractMember, error) {
	contract, err := s.store.GetContractByOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	members, err := s.store.ListMembers(ctx, contract.ID)
	if err != nil {
		return nil, nil, err
	}
	return contract, members, nil
}

// StatusAppended opens the placeholder transaction an order is now
// waiting on. It implements orders.Observer.
func (s *Service) StatusAppended(ctx context.Context, o *orders.Order, ev orders.StatusEvent) {
	action, ok := ActionForPending(ev.Status)
	if !ok {
		return
	}
	contract, err := s.store.GetContractByOrder(ctx, o.ID)
	if err != nil {
		s.logger.Warn("no contract for pending escrow transaction",
			"orderId", o.ID, "status", ev.Status, "error", err)
		return
	}
	if _, err := s.store.OpenTransaction(ctx, contract.ID, action); err != nil {
		s.logger.Warn("failed to open escrow transaction",
			"orderId", o.ID, "contractId", contract.ID, "action", action, "error", err)
	}
}

type noopSubscriptions struct{}

func (noopSubscriptions) Subscribe(context.Context, string, int64) error   { return nil }
func (noopSubscriptions) Unsubscribe(context.Context, string, int64) error { return nil }

var _ orders.Observer = (*Service)(nil)
