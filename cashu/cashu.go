// Package cashu contains the core structs and logic
// of the Cashu protocol used by the wallet.
package cashu

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
)

// Unit is a free-form currency unit identifier (sat, msat, usd, eur, btc, ...).
// The wire format allows any lowercase alphanumeric string; Sat is kept as
// the common default for callers that don't care.
type Unit string

const Sat Unit = "sat"
const Msat Unit = "msat"

const BOLT11_METHOD = "bolt11"

var unitPattern = regexp.MustCompile(`^[a-z0-9]+$`)
var keysetIdPattern = regexp.MustCompile(`^[0-9a-fA-F]{16}$`)

func (unit Unit) String() string {
	return string(unit)
}

func (unit Unit) Valid() bool {
	return unitPattern.MatchString(string(unit))
}

var (
	ErrInvalidTokenV3 = errors.New("invalid V3 token")
	ErrInvalidTokenV4 = errors.New("invalid V4 token")
	ErrInvalidUnit    = errors.New("invalid unit")
)

// BlindedMessage is a blinded secret sent to the mint to be signed.
// See https://github.com/cashubtc/nuts/blob/main/00.md#blindedmessage
type BlindedMessage struct {
	Amount  uint64 `json:"amount"`
	B_      string `json:"B_"`
	Id      string `json:"id"`
	Witness string `json:"witness,omitempty"`
}

func NewBlindedMessage(id string, amount uint64, B_ *secp256k1.PublicKey) BlindedMessage {
	B_str := hex.EncodeToString(B_.SerializeCompressed())
	return BlindedMessage{Amount: amount, B_: B_str, Id: id}
}

func SortBlindedMessages(blindedMessages BlindedMessages, secrets []string, rs []*secp256k1.PrivateKey) {
	for i := 0; i < len(blindedMessages)-1; i++ {
		for j := i + 1; j < len(blindedMessages); j++ {
			if blindedMessages[i].Amount > blindedMessages[j].Amount {
				blindedMessages[i], blindedMessages[j] = blindedMessages[j], blindedMessages[i]
				secrets[i], secrets[j] = secrets[j], secrets[i]
				rs[i], rs[j] = rs[j], rs[i]
			}
		}
	}
}

type BlindedMessages []BlindedMessage

func (bm BlindedMessages) Amount() uint64 {
	var total uint64
	for _, msg := range bm {
		total += msg.Amount
	}
	return total
}

// BlindedSignature is the mint's blind signature over a BlindedMessage.
// See https://github.com/cashubtc/nuts/blob/main/00.md#blindsignature
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	C_     string `json:"C_"`
	Id     string `json:"id"`
	// pointer so omitempty works; an empty struct would still marshal
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() uint64 {
	var total uint64
	for _, sig := range bs {
		total += sig.Amount
	}
	return total
}

// Proof is an unblinded signature over a secret, spendable at the mint that
// issued it. See https://github.com/cashubtc/nuts/blob/main/00.md#proof
type Proof struct {
	Amount  uint64 `json:"amount"`
	Id      string `json:"id"`
	Secret  string `json:"secret"`
	C       string `json:"C"`
	Witness string `json:"witness,omitempty"`
	DLEQ    *DLEQProof `json:"dleq,omitempty"`
}

type Proofs []Proof

type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

// Amount returns the total amount of the Proofs.
func (proofs Proofs) Amount() uint64 {
	var total uint64
	for _, proof := range proofs {
		total += proof.Amount
	}
	return total
}

// ValidateProofs enforces the per-proof checks a spendable proof must pass
// before it's accepted, whether it arrived inside a decoded token or
// through a direct add to the wallet's proof store: a non-empty secret, a
// positive amount, a hex-decodable C, and a 16 hex character keyset id.
// Proofs are single-use, so a set naming the same secret twice can never
// represent more than one spendable proof and is rejected outright.
func ValidateProofs(proofs Proofs) error {
	seen := make(map[string]bool, len(proofs))
	for _, proof := range proofs {
		if proof.Secret == "" {
			return errors.New("proof has empty secret")
		}
		if proof.Amount == 0 {
			return errors.New("proof has non-positive amount")
		}
		if !keysetIdPattern.MatchString(proof.Id) {
			return fmt.Errorf("proof has invalid keyset id %q", proof.Id)
		}
		if _, err := hex.DecodeString(proof.C); err != nil {
			return fmt.Errorf("proof has invalid C: %v", err)
		}
		if seen[proof.Secret] {
			return fmt.Errorf("duplicate secret in proof set")
		}
		seen[proof.Secret] = true
	}
	return nil
}

// Token is the common interface implemented by TokenV3 and TokenV4.
// See https://github.com/cashubtc/nuts/blob/main/00.md#token-format
type Token interface {
	Proofs() Proofs
	Mint() string
	Amount() uint64
	Unit() string
	Serialize() (string, error)
}

const TokenPrefix = "cashu"

// DecodeToken accepts either a bare "cashuA.../cashuB..." token or one
// wrapped in a "cashu:" URI, and dispatches to the matching version decoder.
func DecodeToken(tokenstr string) (Token, error) {
	tokenstr = strings.TrimPrefix(tokenstr, "cashu:")
	tokenstr = strings.TrimPrefix(tokenstr, "web+cashu:")

	if !strings.HasPrefix(tokenstr, TokenPrefix) || len(tokenstr) < 6 {
		return nil, fmt.Errorf("invalid token: missing '%v' prefix", TokenPrefix)
	}

	switch tokenstr[5] {
	case 'B':
		token, err := DecodeTokenV4(tokenstr)
		if err != nil {
			return nil, fmt.Errorf("invalid token: %v", err)
		}
		return token, nil
	case 'A':
		token, err := DecodeTokenV3(tokenstr)
		if err != nil {
			return nil, fmt.Errorf("invalid token: %v", err)
		}
		return token, nil
	default:
		return nil, fmt.Errorf("invalid token: unknown version '%c'", tokenstr[5])
	}
}

type TokenV3 struct {
	Token     []TokenV3Proof `json:"token"`
	TokenUnit string         `json:"unit"`
	Memo      string         `json:"memo,omitempty"`
}

type TokenV3Proof struct {
	Mint   string `json:"mint"`
	Proofs Proofs `json:"proofs"`
}

func NewTokenV3(proofs Proofs, mint string, unit Unit, includeDLEQ bool) (TokenV3, error) {
	if !unit.Valid() {
		return TokenV3{}, ErrInvalidUnit
	}
	if !includeDLEQ {
		for i := range proofs {
			proofs[i].DLEQ = nil
		}
	}

	tokenProof := TokenV3Proof{Mint: mint, Proofs: proofs}
	return TokenV3{Token: []TokenV3Proof{tokenProof}, TokenUnit: unit.String()}, nil
}

func DecodeTokenV3(tokenstr string) (*TokenV3, error) {
	if len(tokenstr) < 6 {
		return nil, ErrInvalidTokenV3
	}
	prefixVersion := tokenstr[:6]
	base64Token := tokenstr[6:]

	if prefixVersion != "cashuA" {
		return nil, ErrInvalidTokenV3
	}

	tokenBytes, err := base64.URLEncoding.DecodeString(base64Token)
	if err != nil {
		tokenBytes, err = base64.RawURLEncoding.DecodeString(base64Token)
		if err != nil {
			return nil, fmt.Errorf("error decoding token: %v", err)
		}
	}

	var token TokenV3
	if err := json.Unmarshal(tokenBytes, &token); err != nil {
		return nil, fmt.Errorf("error unmarshaling token: %v", err)
	}

	if len(token.Token) == 0 {
		return nil, fmt.Errorf("%w: no proofs", ErrInvalidTokenV3)
	}
	for _, tokenProof := range token.Token {
		if len(tokenProof.Proofs) == 0 {
			return nil, fmt.Errorf("%w: no proofs", ErrInvalidTokenV3)
		}
	}
	if !Unit(token.TokenUnit).Valid() {
		return nil, fmt.Errorf("%w: invalid unit", ErrInvalidTokenV3)
	}
	if err := ValidateProofs(token.Proofs()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenV3, err)
	}

	return &token, nil
}

func (t TokenV3) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenProof := range t.Token {
		proofs = append(proofs, tokenProof.Proofs...)
	}
	return proofs
}

func (t TokenV3) Mint() string {
	return t.Token[0].Mint
}

func (t TokenV3) Unit() string {
	return t.TokenUnit
}

func (t TokenV3) Amount() uint64 {
	var total uint64
	for _, tokenProof := range t.Token {
		for _, proof := range tokenProof.Proofs {
			total += proof.Amount
		}
	}
	return total
}

func (t TokenV3) Serialize() (string, error) {
	jsonBytes, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return "cashuA" + base64.URLEncoding.EncodeToString(jsonBytes), nil
}

type TokenV4 struct {
	TokenProofs []TokenV4Proof `json:"t"`
	Memo        string         `json:"d,omitempty"`
	MintURL     string         `json:"m"`
	TokenUnit   string         `json:"u"`
}

type TokenV4Proof struct {
	Id     []byte    `json:"i"`
	Proofs []ProofV4 `json:"p"`
}

func (tp *TokenV4Proof) MarshalJSON() ([]byte, error) {
	tokenProof := struct {
		Id     string    `json:"i"`
		Proofs []ProofV4 `json:"p"`
	}{
		Id:     hex.EncodeToString(tp.Id),
		Proofs: tp.Proofs,
	}
	return json.Marshal(tokenProof)
}

type ProofV4 struct {
	Amount  uint64  `json:"a"`
	Secret  string  `json:"s"`
	C       []byte  `json:"c"`
	Witness string  `json:"w,omitempty"`
	DLEQ    *DLEQV4 `json:"d,omitempty"`
}

func (p *ProofV4) MarshalJSON() ([]byte, error) {
	proof := struct {
		Amount  uint64  `json:"a"`
		Secret  string  `json:"s"`
		C       string  `json:"c"`
		Witness string  `json:"w,omitempty"`
		DLEQ    *DLEQV4 `json:"d,omitempty"`
	}{
		Amount:  p.Amount,
		Secret:  p.Secret,
		C:       hex.EncodeToString(p.C),
		Witness: p.Witness,
		DLEQ:    p.DLEQ,
	}
	return json.Marshal(proof)
}

type DLEQV4 struct {
	E []byte `json:"e"`
	S []byte `json:"s"`
	R []byte `json:"r"`
}

func (d *DLEQV4) MarshalJSON() ([]byte, error) {
	dleq := DLEQProof{
		E: hex.EncodeToString(d.E),
		S: hex.EncodeToString(d.S),
		R: hex.EncodeToString(d.R),
	}
	return json.Marshal(dleq)
}

func NewTokenV4(proofs Proofs, mint string, unit Unit, includeDLEQ bool) (TokenV4, error) {
	if !unit.Valid() {
		return TokenV4{}, ErrInvalidUnit
	}

	proofsMap := make(map[string][]ProofV4)
	for _, proof := range proofs {
		C, err := hex.DecodeString(proof.C)
		if err != nil {
			return TokenV4{}, fmt.Errorf("invalid C: %v", err)
		}
		proofV4 := ProofV4{
			Amount:  proof.Amount,
			Secret:  proof.Secret,
			C:       C,
			Witness: proof.Witness,
		}
		if includeDLEQ && proof.DLEQ != nil {
			e, err := hex.DecodeString(proof.DLEQ.E)
			if err != nil {
				return TokenV4{}, fmt.Errorf("invalid e in DLEQ proof: %v", err)
			}
			s, err := hex.DecodeString(proof.DLEQ.S)
			if err != nil {
				return TokenV4{}, fmt.Errorf("invalid s in DLEQ proof: %v", err)
			}
			if len(proof.DLEQ.R) == 0 {
				return TokenV4{}, errors.New("r in DLEQ proof cannot be empty")
			}
			r, err := hex.DecodeString(proof.DLEQ.R)
			if err != nil {
				return TokenV4{}, fmt.Errorf("invalid r in DLEQ proof: %v", err)
			}
			proofV4.DLEQ = &DLEQV4{E: e, S: s, R: r}
		}
		proofsMap[proof.Id] = append(proofsMap[proof.Id], proofV4)
	}

	proofsV4 := make([]TokenV4Proof, 0, len(proofsMap))
	for k, v := range proofsMap {
		keysetIdBytes, err := hex.DecodeString(k)
		if err != nil {
			return TokenV4{}, fmt.Errorf("invalid keyset id: %v", err)
		}
		proofsV4 = append(proofsV4, TokenV4Proof{Id: keysetIdBytes, Proofs: v})
	}

	return TokenV4{MintURL: mint, TokenUnit: unit.String(), TokenProofs: proofsV4}, nil
}

func DecodeTokenV4(tokenstr string) (*TokenV4, error) {
	if len(tokenstr) < 6 {
		return nil, ErrInvalidTokenV4
	}
	prefixVersion := tokenstr[:6]
	base64Token := tokenstr[6:]
	if prefixVersion != "cashuB" {
		return nil, ErrInvalidTokenV4
	}

	tokenBytes, err := base64.URLEncoding.DecodeString(base64Token)
	if err != nil {
		tokenBytes, err = base64.RawURLEncoding.DecodeString(base64Token)
		if err != nil {
			return nil, fmt.Errorf("error decoding token: %v", err)
		}
	}

	var tokenV4 TokenV4
	if err := cbor.Unmarshal(tokenBytes, &tokenV4); err != nil {
		return nil, fmt.Errorf("cbor.Unmarshal: %v", err)
	}

	if len(tokenV4.TokenProofs) == 0 {
		return nil, fmt.Errorf("%w: no proofs", ErrInvalidTokenV4)
	}
	for _, tp := range tokenV4.TokenProofs {
		if len(tp.Proofs) == 0 {
			return nil, fmt.Errorf("%w: keyset entry has no proofs", ErrInvalidTokenV4)
		}
	}
	if !Unit(tokenV4.TokenUnit).Valid() {
		return nil, fmt.Errorf("%w: invalid unit", ErrInvalidTokenV4)
	}
	if err := ValidateProofs(tokenV4.Proofs()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenV4, err)
	}

	return &tokenV4, nil
}

func (t TokenV4) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenV4Proof := range t.TokenProofs {
		keysetId := hex.EncodeToString(tokenV4Proof.Id)
		for _, proofV4 := range tokenV4Proof.Proofs {
			proof := Proof{
				Amount:  proofV4.Amount,
				Id:      keysetId,
				Secret:  proofV4.Secret,
				C:       hex.EncodeToString(proofV4.C),
				Witness: proofV4.Witness,
			}
			if proofV4.DLEQ != nil {
				proof.DLEQ = &DLEQProof{
					E: hex.EncodeToString(proofV4.DLEQ.E),
					S: hex.EncodeToString(proofV4.DLEQ.S),
					R: hex.EncodeToString(proofV4.DLEQ.R),
				}
			}
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (t TokenV4) Mint() string { return t.MintURL }

func (t TokenV4) Unit() string { return t.TokenUnit }

func (t TokenV4) Amount() uint64 {
	var total uint64
	for _, proof := range t.Proofs() {
		total += proof.Amount
	}
	return total
}

func (t TokenV4) Serialize() (string, error) {
	cborData, err := cbor.Marshal(t)
	if err != nil {
		return "", err
	}
	return "cashuB" + base64.RawURLEncoding.EncodeToString(cborData), nil
}

type CashuErrCode int

// Error is the tagged error variant returned by mint HTTP endpoints and
// reused internally for wallet-local failures.
type Error struct {
	Detail string       `json:"detail"`
	Code   CashuErrCode `json:"code"`
}

func BuildCashuError(detail string, code CashuErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// Common error codes mirroring the mint-side NUT error taxonomy.
const (
	StandardErrCode CashuErrCode = 10000
	// Never returned over the wire; used internally to identify where an
	// error originated so it can be logged appropriately.
	DBErrCode               CashuErrCode = 1
	LightningBackendErrCode CashuErrCode = 2

	UnitErrCode                        CashuErrCode = 11005
	PaymentMethodErrCode               CashuErrCode = 11007
	BlindedMessageAlreadySignedErrCode CashuErrCode = 10002

	InvalidProofErrCode            CashuErrCode = 10003
	ProofAlreadyUsedErrCode        CashuErrCode = 11001
	InsufficientProofAmountErrCode CashuErrCode = 11002

	UnknownKeysetErrCode  CashuErrCode = 12001
	InactiveKeysetErrCode CashuErrCode = 12002

	AmountLimitExceeded            CashuErrCode = 11006
	MintQuoteRequestNotPaidErrCode CashuErrCode = 20001
	MintQuoteAlreadyIssuedErrCode  CashuErrCode = 20002
	MintingDisabledErrCode         CashuErrCode = 20003
	MintQuoteInvalidSigErrCode     CashuErrCode = 20008

	MeltQuotePendingErrCode     CashuErrCode = 20005
	MeltQuoteAlreadyPaidErrCode CashuErrCode = 20006

	MeltQuoteErrCode CashuErrCode = 20009
)

var (
	StandardErr                  = Error{Detail: "mint is currently unable to process request", Code: StandardErrCode}
	EmptyBodyErr                 = Error{Detail: "request body cannot be empty", Code: StandardErrCode}
	UnknownKeysetErr             = Error{Detail: "unknown keyset", Code: UnknownKeysetErrCode}
	PaymentMethodNotSupportedErr = Error{Detail: "payment method not supported", Code: PaymentMethodErrCode}
	UnitNotSupportedErr          = Error{Detail: "unit not supported", Code: UnitErrCode}
	InvalidBlindedMessageAmount  = Error{Detail: "invalid amount in blinded message", Code: StandardErrCode}
	BlindedMessageAlreadySigned  = Error{Detail: "blinded message already signed", Code: BlindedMessageAlreadySignedErrCode}
	MintQuoteRequestNotPaid      = Error{Detail: "quote request has not been paid", Code: MintQuoteRequestNotPaidErrCode}
	MintQuoteAlreadyIssued       = Error{Detail: "quote already issued", Code: MintQuoteAlreadyIssuedErrCode}
	MintingDisabled              = Error{Detail: "minting is disabled", Code: MintingDisabledErrCode}
	MintAmountExceededErr        = Error{Detail: "max amount for minting exceeded", Code: AmountLimitExceeded}
	MintQuoteInvalidSigErr       = Error{Detail: "mint quote with pubkey but no valid signature provided", Code: MintQuoteInvalidSigErrCode}
	OutputsOverQuoteAmountErr    = Error{Detail: "sum of the output amounts is greater than quote amount", Code: StandardErrCode}
	ProofAlreadyUsedErr          = Error{Detail: "proof already used", Code: ProofAlreadyUsedErrCode}
	ProofPendingErr              = Error{Detail: "proof is pending", Code: ProofAlreadyUsedErrCode}
	InvalidProofErr              = Error{Detail: "invalid proof", Code: InvalidProofErrCode}
	NoProofsProvided             = Error{Detail: "no proofs provided", Code: InvalidProofErrCode}
	DuplicateProofs              = Error{Detail: "duplicate proofs", Code: InvalidProofErrCode}
	QuoteNotExistErr             = Error{Detail: "quote does not exist", Code: MeltQuoteErrCode}
	QuotePending                 = Error{Detail: "quote is pending", Code: MeltQuotePendingErrCode}
	MeltQuoteAlreadyPaid         = Error{Detail: "quote already paid", Code: MeltQuoteAlreadyPaidErrCode}
	MeltAmountExceededErr        = Error{Detail: "max amount for melting exceeded", Code: AmountLimitExceeded}
	MeltQuoteForRequestExists    = Error{Detail: "melt quote for payment request already exists", Code: MeltQuoteErrCode}
	InsufficientProofsAmount    = Error{
		Detail: "amount of input proofs is below amount needed for transaction",
		Code:   InsufficientProofAmountErrCode,
	}
	InactiveKeysetSignatureRequest = Error{Detail: "requested signature from inactive keyset", Code: InactiveKeysetErrCode}
)

// SelectProofs returns a subset of proofs whose total is >= target,
// minimising cardinality and then surplus: sort descending by amount,
// greedily take proofs while the running sum is below target, then try
// dropping the smallest taken proof if the remainder still covers target.
// Returns ErrNoSpendableProofs if proofs is empty and ErrInsufficientFunds
// if the full set can't reach target.
func SelectProofs(proofs Proofs, target uint64) (Proofs, error) {
	if target == 0 {
		return Proofs{}, nil
	}
	if len(proofs) == 0 {
		return nil, ErrNoSpendableProofs
	}
	if proofs.Amount() < target {
		return nil, ErrInsufficientFunds
	}

	sorted := make(Proofs, len(proofs))
	copy(sorted, proofs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var selected Proofs
	var total uint64
	for _, p := range sorted {
		selected = append(selected, p)
		total += p.Amount
		if total >= target {
			break
		}
	}

	// one-pass trim: drop the smallest selected proof if the rest still
	// covers target, reducing surplus without another full search.
	if len(selected) > 0 {
		smallestIdx := 0
		for i, p := range selected {
			if p.Amount < selected[smallestIdx].Amount {
				smallestIdx = i
			}
		}
		if total-selected[smallestIdx].Amount >= target {
			selected = append(selected[:smallestIdx], selected[smallestIdx+1:]...)
		}
	}

	return selected, nil
}

// ErrInsufficientFunds and ErrNoSpendableProofs are returned by SelectProofs;
// defined here (not in package wallet) so any caller selecting from a raw
// Proofs slice gets the same typed errors the wallet facade does.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoSpendableProofs = errors.New("no spendable proofs")
)

// AmountSplit decomposes an amount into the powers of two that sum to it,
// e.g. 13 -> [1, 4, 8]. Used to build blinded messages for mint/swap/send.
// From the nutshell reference implementation.
func AmountSplit(amount uint64) []uint64 {
	rv := make([]uint64, 0)
	for pos := 0; amount > 0; pos++ {
		if amount&1 == 1 {
			rv = append(rv, 1<<pos)
		}
		amount >>= 1
	}
	return rv
}

// BlankOutputCount returns the number of blank blinded messages a melt
// submission should carry so the mint can sign back change for any
// overshoot up to feeReserve: ceil(log2(max(feeReserve, 1))), and 0 when
// feeReserve is 0. E.g. blank_output_count(1000)=10, (512)=9, (1)=1, (0)=0.
func BlankOutputCount(feeReserve uint64) int {
	if feeReserve == 0 {
		return 0
	}
	count := 0
	for m := uint64(1); m < feeReserve; m *= 2 {
		count++
	}
	if count < 1 {
		count = 1
	}
	return count
}

func CheckDuplicateProofs(proofs Proofs) bool {
	proofsMap := make(map[Proof]bool)
	for _, proof := range proofs {
		if proofsMap[proof] {
			return true
		}
		proofsMap[proof] = true
	}
	return false
}

func GenerateRandomQuoteId() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	hash := sha256.Sum256(randomBytes)
	return hex.EncodeToString(hash[:]), nil
}

func Max(x, y uint64) uint64 {
	if x > y {
		return x
	}
	return y
}

func Count(amounts []uint64, amount uint64) uint {
	var count uint
	for _, amt := range amounts {
		if amt == amount {
			count++
		}
	}
	return count
}
