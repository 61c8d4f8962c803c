package escrow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/rampsettle/internal/fees"
	"github.com/mbd888/rampsettle/internal/orders"
)

var (
	ErrTransactionInvalid   = errors.New("transaction invalid or unconfirmed")
	ErrEmptyInputsOrOutputs = errors.New("empty inputs or outputs")
	ErrContractNotSpent     = errors.New("contract not spent")
	ErrMissingOutputs       = errors.New("missing outputs")
	ErrAmountMismatch       = errors.New("amount mismatch")
	ErrAddressMismatch      = errors.New("address mismatch")
)

// Output roles named in verification failures.
const (
	RoleContract = "contract"
	RoleBuyer    = "buyer"
	RoleSeller   = "seller"
	RoleServicer = "servicer"
	RoleArbiter  = "arbiter"
)

// payoutOutputs is the number of positional outputs a spend must carry:
// payee, servicer, arbiter.
const payoutOutputs = 3

// VerificationError describes why a transaction failed verification. It
// matches one of the verification sentinels via errors.Is.
type VerificationError struct {
	Code     error
	Action   Action
	TxID     string
	Output   int // -1 when not about a specific output
	Role     string
	Expected string
	Actual   string
	Detail   string
}

func (e *VerificationError) Error() string {
	switch {
	case e.Detail != "":
		return e.Detail
	case errors.Is(e.Code, ErrAmountMismatch):
		return fmt.Sprintf("%s: output %d (%s) paid %s, expected %s", e.Code, e.Output, e.Role, e.Actual, e.Expected)
	case errors.Is(e.Code, ErrAddressMismatch):
		return fmt.Sprintf("%s: output %d (%s) pays %s, expected %s", e.Code, e.Output, e.Role, e.Actual, e.Expected)
	case errors.Is(e.Code, ErrContractNotSpent):
		return fmt.Sprintf("%s: %s does not spend contract %s", e.Code, e.TxID, e.Expected)
	case errors.Is(e.Code, ErrMissingOutputs):
		return fmt.Sprintf("%s: %s action needs %s outputs, got %s", e.Code, e.Action, e.Expected, e.Actual)
	}
	return e.Code.Error()
}

func (e *VerificationError) Unwrap() error { return e.Code }

// Expectation is what a settling transaction must pay, taken from the order
// and its frozen contract.
type Expectation struct {
	ContractAddress string
	TradeAmount     int64
	Fees            fees.Breakdown
	BuyerAddress    string
	SellerAddress   string
	ArbiterAddress  string
}

// NewExpectation builds the expectation for an order's contract.
func NewExpectation(o *orders.Order, c *Contract, members []ContractMember) Expectation {
	exp := Expectation{
		ContractAddress: c.Address,
		TradeAmount:     o.TradeAmount,
		Fees:            c.Fees(),
	}
	for _, m := range members {
		switch m.MemberType {
		case MemberBuyer:
			exp.BuyerAddress = m.Address
		case MemberSeller:
			exp.SellerAddress = m.Address
		case MemberArbiter:
			exp.ArbiterAddress = m.Address
		}
	}
	return exp
}

// Verification is the outcome of checking one transaction.
type Verification struct {
	Action  Action
	TxID    string
	Outputs []TxIO
	Err     error
}

// OK reports whether the transaction satisfied the expectation.
func (v Verification) OK() bool { return v.Err == nil }

// Reason is the failure message, empty on success.
func (v Verification) Reason() string {
	if v.Err == nil {
		return ""
	}
	return v.Err.Error()
}

// Verifier checks decoded transactions against escrow obligations.
type Verifier struct {
	servicerAddress string
}

// NewVerifier creates a verifier paying service fees to servicerAddress.
func NewVerifier(servicerAddress string) *Verifier {
	return &Verifier{servicerAddress: servicerAddress}
}

// Verify checks txn against exp for action. Outputs are matched by
// position: the contract script emits them in a fixed order.
func (v *Verifier) Verify(action Action, exp Expectation, txn DecodedTransaction) Verification {
	res := Verification{Action: action, TxID: txn.TxID}
	fail := func(code error) *VerificationError {
		return &VerificationError{Code: code, Action: action, TxID: txn.TxID, Output: -1}
	}

	if !action.Valid() {
		res.Err = fmt.Errorf("%w: %q", ErrInvalidAction, action)
		return res
	}
	if !txn.Valid {
		e := fail(ErrTransactionInvalid)
		if txn.Error != "" {
			e.Detail = txn.Error
		}
		res.Err = e
		return res
	}
	if len(txn.Inputs) == 0 || len(txn.Outputs) == 0 {
		res.Err = fail(ErrEmptyInputsOrOutputs)
		return res
	}

	switch action {
	case ActionEscrow:
		res.Err = checkOutput(fail, txn.Outputs, 0, RoleContract, exp.ContractAddress, exp.TradeAmount+exp.Fees.Total())
	case ActionRelease, ActionRefund:
		res.Err = v.verifySpend(fail, action, exp, txn)
	}
	if res.Err == nil {
		res.Outputs = append([]TxIO(nil), txn.Outputs...)
	}
	return res
}

func (v *Verifier) verifySpend(fail func(error) *VerificationError, action Action, exp Expectation, txn DecodedTransaction) error {
	spent := false
	for _, in := range txn.Inputs {
		if sameAddress(in.Address, exp.ContractAddress) {
			spent = true
			break
		}
	}
	if !spent {
		e := fail(ErrContractNotSpent)
		e.Expected = exp.ContractAddress
		return e
	}

	if len(txn.Outputs) < payoutOutputs {
		e := fail(ErrMissingOutputs)
		e.Expected = fmt.Sprint(payoutOutputs)
		e.Actual = fmt.Sprint(len(txn.Outputs))
		return e
	}

	payeeRole, payee := RoleBuyer, exp.BuyerAddress
	if action == ActionRefund {
		payeeRole, payee = RoleSeller, exp.SellerAddress
	}

	checks := []struct {
		role    string
		address string
		value   int64
	}{
		{payeeRole, payee, exp.TradeAmount},
		{RoleServicer, v.servicerAddress, exp.Fees.ServiceFee},
		{RoleArbiter, exp.ArbiterAddress, exp.Fees.ArbitrationFee},
	}
	for i, c := range checks {
		if err := checkOutput(fail, txn.Outputs, i, c.role, c.address, c.value); err != nil {
			return err
		}
	}
	return nil
}

func checkOutput(fail func(error) *VerificationError, outputs []TxIO, i int, role, address string, value int64) error {
	out := outputs[i]
	if !sameAddress(out.Address, address) {
		e := fail(ErrAddressMismatch)
		e.Output, e.Role, e.Expected, e.Actual = i, role, address, out.Address
		return e
	}
	if out.Value != value {
		e := fail(ErrAmountMismatch)
		e.Output, e.Role = i, role
		e.Expected, e.Actual = fmt.Sprint(value), fmt.Sprint(out.Value)
		return e
	}
	return nil
}

// cashAddrPrefixes are stripped before comparing addresses.
var cashAddrPrefixes = []string{"bitcoincash:", "bchtest:", "bchreg:"}

// NormalizeAddress lowercases a cashaddr and drops its network prefix.
func NormalizeAddress(addr string) string {
	a := strings.ToLower(strings.TrimSpace(addr))
	for _, p := range cashAddrPrefixes {
		if strings.HasPrefix(a, p) {
			return a[len(p):]
		}
	}
	return a
}

func sameAddress(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return NormalizeAddress(a) == NormalizeAddress(b)
}
