package custody

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// RequestType encodes the request's direction and pricing mode in two
// independent bits: bit 0 set means redeem, bit 1 set means fixed
// price.
type RequestType uint8

const (
	DepositAuto  RequestType = 0
	RedeemAuto   RequestType = 1
	DepositFixed RequestType = 2
	RedeemFixed  RequestType = 3
)

// IsRedeem reports whether the request redeems units for tokens.
func (t RequestType) IsRedeem() bool {
	return t&1 != 0
}

// IsFixed reports whether the request pins its own exchange rate.
func (t RequestType) IsFixed() bool {
	return t&2 != 0
}

// Valid reports whether t is one of the four defined types.
func (t RequestType) Valid() bool {
	return t <= RedeemFixed
}

func (t RequestType) String() string {
	switch t {
	case DepositAuto:
		return "DEPOSIT_AUTO"
	case RedeemAuto:
		return "REDEEM_AUTO"
	case DepositFixed:
		return "DEPOSIT_FIXED"
	case RedeemFixed:
		return "REDEEM_FIXED"
	}
	return fmt.Sprintf("RequestType(%d)", uint8(t))
}

// Request is the full parameter set of one deposit or redemption
// request. It is never stored; only its hash persists, and solvers
// reconstruct the value from these caller-supplied parameters.
//
// For deposits, Tokens is the committed amount and Units the minimum
// acceptable output (or, fixed price, the exact output). For
// redemptions, Units is the committed amount and Tokens the minimum
// acceptable output (or the exact output).
type Request struct {
	Type        RequestType
	User        common.Address
	Units       *big.Int
	Tokens      *big.Int
	SolverTip   *big.Int
	Deadline    uint64
	MaxPriceAge uint64
}

// Hash computes the request's replay-protection identity. Hashes live
// in per-token maps, so the token itself stays out of the preimage.
func (r *Request) Hash() common.Hash {
	buf := make([]byte, 0, 1+common.AddressLength+3*common.HashLength+16)
	buf = append(buf, byte(r.Type))
	buf = append(buf, r.User.Bytes()...)
	buf = append(buf, common.BigToHash(bigOrZero(r.Units)).Bytes()...)
	buf = append(buf, common.BigToHash(bigOrZero(r.Tokens)).Bytes()...)
	buf = append(buf, common.BigToHash(bigOrZero(r.SolverTip)).Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, r.Deadline)
	buf = binary.BigEndian.AppendUint64(buf, r.MaxPriceAge)
	return crypto.Keccak256Hash(buf)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// committed returns the amount pulled into custody at request time.
func (r *Request) committed() *big.Int {
	if r.Type.IsRedeem() {
		return r.Units
	}
	return r.Tokens
}

// ProcessingStatus tracks where a request sits in the off-chain solver
// pipeline.
type ProcessingStatus string

// Enumeration of possible processing statuses.
const (
	Received     ProcessingStatus = "Received"
	SentToSolver ProcessingStatus = "SentToSolver"
	Solved       ProcessingStatus = "Solved"
	Unsolved     ProcessingStatus = "Unsolved"
	Expired      ProcessingStatus = "Expired"
	Refunded     ProcessingStatus = "Refunded"
	Invalid      ProcessingStatus = "Invalid"
)

// SolverRequest is the wire representation of one request exchanged
// with off-chain solvers. Amounts travel as decimal strings to survive
// values beyond 64 bits.
type SolverRequest struct {
	Token       string      `json:"token" binding:"required,eth_addr"`
	User        string      `json:"user" binding:"required,eth_addr"`
	Type        RequestType `json:"type" binding:"req_type"`
	Units       string      `json:"units" binding:"required,pos_bigint"`
	Tokens      string      `json:"tokens" binding:"required,pos_bigint"`
	SolverTip   string      `json:"solverTip"`
	Deadline    uint64      `json:"deadline" binding:"required"`
	MaxPriceAge uint64      `json:"maxPriceAge"`
}

// RequestExt carries read-only bookkeeping alongside a SolverRequest:
// the hash as computed at request time and the pipeline status.
type RequestExt struct {
	OriginalHashValue string           `json:"original_hash_value" binding:"required"`
	ProcessingStatus  ProcessingStatus `json:"processing_status" binding:"proc_status"`
}

// BodyOfRequests is the body of an HTTP request to a solver.
type BodyOfRequests struct {
	Requests    []*SolverRequest `json:"requests" binding:"required,dive"`
	RequestsExt []RequestExt     `json:"requests_ext" binding:"required,dive"`
}

// ToRequest parses the wire representation into a Request.
func (s *SolverRequest) ToRequest() (*Request, error) {
	units, ok := new(big.Int).SetString(s.Units, 10)
	if !ok {
		return nil, fmt.Errorf("invalid units amount %q", s.Units)
	}
	tokens, ok := new(big.Int).SetString(s.Tokens, 10)
	if !ok {
		return nil, fmt.Errorf("invalid tokens amount %q", s.Tokens)
	}
	tip := new(big.Int)
	if s.SolverTip != "" {
		if tip, ok = new(big.Int).SetString(s.SolverTip, 10); !ok {
			return nil, fmt.Errorf("invalid solver tip %q", s.SolverTip)
		}
	}
	if !s.Type.Valid() {
		return nil, fmt.Errorf("invalid request type %d", s.Type)
	}
	return &Request{
		Type:        s.Type,
		User:        common.HexToAddress(s.User),
		Units:       units,
		Tokens:      tokens,
		SolverTip:   tip,
		Deadline:    s.Deadline,
		MaxPriceAge: s.MaxPriceAge,
	}, nil
}

// ToJSON serializes the SolverRequest using "github.com/goccy/go-json".
func (s *SolverRequest) ToJSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal SolverRequest into JSON: %w", err)
	}
	return string(data), nil
}

// Custom validation for Ethereum addresses using go-playground
// validator.
func validEthAddress(fl validator.FieldLevel) bool {
	return common.IsHexAddress(fl.Field().String())
}

// validPosBigInt checks that the field is a positive decimal integer.
func validPosBigInt(fl validator.FieldLevel) bool {
	v, ok := new(big.Int).SetString(fl.Field().String(), 10)
	return ok && v.Sign() == 1
}

// validRequestType checks the two-bit request type range.
func validRequestType(fl validator.FieldLevel) bool {
	return RequestType(fl.Field().Uint()).Valid()
}

// validProcessingStatus checks membership in the status enumeration.
func validProcessingStatus(fl validator.FieldLevel) bool {
	switch ProcessingStatus(fl.Field().String()) {
	case Received, SentToSolver, Solved, Unsolved, Expired, Refunded, Invalid:
		return true
	default:
		return false
	}
}

// NewValidator registers the custom validators on gin's binding engine.
func NewValidator() error {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := v.RegisterValidation("eth_addr", validEthAddress); err != nil {
			return fmt.Errorf("failed to register validator for eth_addr: %w", err)
		}
		if err := v.RegisterValidation("pos_bigint", validPosBigInt); err != nil {
			return fmt.Errorf("failed to register validator for pos_bigint: %w", err)
		}
		if err := v.RegisterValidation("req_type", validRequestType); err != nil {
			return fmt.Errorf("failed to register validator for req_type: %w", err)
		}
		if err := v.RegisterValidation("proc_status", validProcessingStatus); err != nil {
			return fmt.Errorf("failed to register validator for proc_status: %w", err)
		}
	}
	return nil
}
