// Package wallet implements a client-side Cashu wallet: proof storage,
// mint/melt/swap transactions against a mint's HTTP API, and the BIP32/NUT-13
// deterministic secret derivation that lets a wallet be recreated from its
// mnemonic alone.
package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/nutshell-labs/nutcore/cashu"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut03"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut04"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut05"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut11"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut13"
	"github.com/nutshell-labs/nutcore/crypto"
	"github.com/nutshell-labs/nutcore/wallet/client"
	"github.com/nutshell-labs/nutcore/wallet/ratelimit"
	"github.com/nutshell-labs/nutcore/wallet/retry"
	"github.com/nutshell-labs/nutcore/wallet/storage"
	"github.com/nutshell-labs/nutcore/wallet/storage/history"
	"github.com/nutshell-labs/nutcore/wallet/submanager"
	"github.com/tyler-smith/go-bip39"
)

// Config configures a call to LoadWallet, mirroring spec §6's recognized
// configuration options.
type Config struct {
	WalletPath     string
	CurrentMintURL string
	// Passphrase seals the wallet's mnemonic/seed on disk. Empty is allowed
	// (InitStorage uses it) but means the seed file carries no real secrecy.
	Passphrase string

	// Unit is the wallet's default cashu unit. Defaults to "sat".
	Unit string
	// RetryAttempts is the total number of tries (including the first) for
	// an idempotent mint round trip before giving up. Defaults to 3.
	RetryAttempts int
	// RetryDelay is the initial backoff between retries; later delays grow
	// by backoff.ExponentialBackOff's default 1.5x multiplier with random
	// jitter. Defaults to one second.
	RetryDelay time.Duration
	// OperationTimeout bounds the total wall-clock time a retried operation
	// may spend across every attempt. Defaults to 30 seconds.
	OperationTimeout time.Duration
	// ResponseCache configures the NUT-19 idempotency cache.
	ResponseCache ResponseCacheConfig
	// RateLimit sizes the per-endpoint token bucket + sliding window. A
	// zero value falls back to ratelimit.DefaultConfig for every endpoint.
	RateLimit ratelimit.Config
}

// ResponseCacheConfig configures the client package's NUT-19 response
// cache: how long a cached response is honored, and which endpoints use it
// at all (unset means every cacheable endpoint).
type ResponseCacheConfig struct {
	TTL             time.Duration
	CachedEndpoints []string
}

type walletMint struct {
	mintURL         string
	activeKeyset    crypto.WalletKeyset
	inactiveKeysets map[string]crypto.WalletKeyset
}

// Wallet is the in-process representation of a single wallet.db: a master
// key, a set of trusted mints with their keysets, and a mutex guarding
// concurrent mint/melt/swap operations from racing over the same proof set.
type Wallet struct {
	mu sync.Mutex

	db          storage.WalletDB
	history     *history.SQLiteDB
	masterKey   *hdkeychain.ExtendedKey
	mints       map[string]walletMint
	defaultMint string
	unit        cashu.Unit
	retryCfg    retry.Config

	// state is the parent wallet state machine; coordinator enforces that at
	// most one mint/melt/swap transaction FSM runs at a time and drives
	// state's ready<->transacting edge around it.
	state       *stateMachine
	coordinator *txCoordinator
}

// State returns the wallet's current parent-state-machine position.
func (w *Wallet) State() WalletState {
	return w.state.Current()
}

// StateHistory returns the ordered list of parent state transitions since
// the wallet was loaded.
func (w *Wallet) StateHistory() []StateTransition {
	return w.state.History()
}

// OnStateChange registers a callback invoked after every parent state
// transition. Overwrites any previously registered callback.
func (w *Wallet) OnStateChange(cb func(StateTransition)) {
	w.state.OnTransition(cb)
}

// Lock transitions the wallet from ready to locked, refusing new
// transactions until Unlock is called.
func (w *Wallet) Lock() error {
	return w.state.fire(eventLock)
}

// Unlock transitions the wallet from locked back to ready.
func (w *Wallet) Unlock() error {
	return w.state.fire(eventUnlock)
}

// RotatePassphrase re-seals the mnemonic, seed, and any stored access
// tokens under newPassphrase (spec §4.8's rotate_master_key), replacing
// every sealed file's key without disturbing wallet state elsewhere. The
// caller is responsible for persisting newPassphrase for the next
// LoadWallet call; the running Wallet keeps working immediately since its
// storage handle switches over to the new passphrase on success.
func (w *Wallet) RotatePassphrase(newPassphrase string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.db.RotatePassphrase(newPassphrase)
}

// InitStorage opens (or creates) the bolt-backed wallet database at path
// with no passphrase protecting the seed file. Exists mainly for tests and
// callers that don't need the mnemonic sealed with a real secret.
func InitStorage(path string) (storage.WalletDB, error) {
	return InitStorageWithPassphrase(path, "")
}

// InitStorageWithPassphrase opens (or creates) the bolt-backed wallet
// database at path, sealing the mnemonic/seed file with passphrase.
func InitStorageWithPassphrase(path string, passphrase string) (storage.WalletDB, error) {
	return storage.InitBolt(path, passphrase)
}

// LoadWallet opens the wallet db at config.WalletPath, generating a fresh
// mnemonic on first run, and syncs the active/inactive keysets for
// config.CurrentMintURL plus every other mint already known to the db.
func LoadWallet(config Config) (*Wallet, error) {
	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, err
	}

	db, err := InitStorageWithPassphrase(config.WalletPath, config.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}

	txHistory, err := history.InitSQLite(config.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("history.InitSQLite: %v", err)
	}

	mnemonic := db.GetMnemonic()
	if len(mnemonic) == 0 {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, err
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		seed := bip39.NewSeed(mnemonic, "")
		db.SaveMnemonicSeed(mnemonic, seed)
	}

	seed := db.GetSeed()
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("error deriving master key: %v", err)
	}

	mintURL, err := url.Parse(config.CurrentMintURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	unit := cashu.Sat
	if config.Unit != "" {
		candidate := cashu.Unit(config.Unit)
		if !candidate.Valid() {
			return nil, fmt.Errorf("invalid unit: %v", config.Unit)
		}
		unit = candidate
	}

	retryCfg := retry.Config{
		Attempts: config.RetryAttempts,
		Delay:    config.RetryDelay,
		Timeout:  config.OperationTimeout,
	}
	applyTransportConfig(config.RateLimit, config.ResponseCache)

	wsm := newStateMachine(nil)
	if err := wsm.fire(eventInitialize); err != nil {
		return nil, err
	}

	w := &Wallet{
		db:          db,
		history:     txHistory,
		masterKey:   masterKey,
		mints:       make(map[string]walletMint),
		defaultMint: mintURL.String(),
		unit:        unit,
		retryCfg:    retryCfg,
		state:       wsm,
		coordinator: newTxCoordinator(wsm),
	}

	knownKeysets := db.GetKeysets()
	for mintURL, keysets := range knownKeysets {
		mint := walletMint{mintURL: mintURL, inactiveKeysets: make(map[string]crypto.WalletKeyset)}
		for _, keyset := range keysets {
			if keyset.Active {
				mint.activeKeyset = keyset
			} else {
				mint.inactiveKeysets[keyset.Id] = keyset
			}
		}
		w.mints[mintURL] = mint

		// refresh against the mint in case its active keyset rotated
		// since the wallet last synced
		if _, err := w.getActiveKeyset(mintURL); err != nil {
			return nil, fmt.Errorf("error syncing keysets for mint '%v': %v", mintURL, err)
		}
	}

	if _, ok := w.mints[w.defaultMint]; !ok {
		if err := w.addMint(w.defaultMint); err != nil {
			wsm.fire(eventErrorOccurred)
			return nil, fmt.Errorf("error getting current keyset from mint: %v", err)
		}
	}

	if err := wsm.fire(eventInitializationComplete); err != nil {
		return nil, err
	}

	return w, nil
}

// applyTransportConfig pushes a wallet's rate_limit and response_cache
// config into the client package's process-wide limiters/cache, which
// every mint client function shares regardless of which *Wallet called it.
func applyTransportConfig(rateLimit ratelimit.Config, respCache ResponseCacheConfig) {
	client.SetDefaultRateLimitConfig(rateLimit)
	client.SetCacheConfig(respCache.TTL, respCache.CachedEndpoints)
}

// addMint fetches a new mint's active and inactive keysets, persists them,
// and adds the mint to the wallet's trusted set.
func (w *Wallet) addMint(mintURL string) error {
	activeKeyset, err := GetMintActiveKeyset(mintURL, w.unit)
	if err != nil {
		return err
	}
	if err := w.db.SaveKeyset(activeKeyset); err != nil {
		return err
	}

	inactiveKeysets, err := GetMintInactiveKeysets(mintURL, w.unit)
	if err != nil {
		return err
	}
	for id, keyset := range inactiveKeysets {
		if err := w.db.SaveKeyset(&keyset); err != nil {
			return err
		}
		inactiveKeysets[id] = keyset
	}

	w.mints[mintURL] = walletMint{
		mintURL:         mintURL,
		activeKeyset:    *activeKeyset,
		inactiveKeysets: inactiveKeysets,
	}
	return nil
}

// Mnemonic returns the wallet's seed mnemonic.
func (w *Wallet) Mnemonic() string {
	return w.db.GetMnemonic()
}

// CurrentMint returns the wallet's default mint URL.
func (w *Wallet) CurrentMint() string {
	return w.defaultMint
}

// TrustedMints returns the URLs of every mint the wallet has keysets for.
func (w *Wallet) TrustedMints() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	mints := make([]string, 0, len(w.mints))
	for mintURL := range w.mints {
		mints = append(mints, mintURL)
	}
	return mints
}

// GetBalanceByMints returns the unspent proof total for each trusted mint.
func (w *Wallet) GetBalanceByMints() map[string]uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	balances := make(map[string]uint64)
	for mintURL, mint := range w.mints {
		balances[mintURL] = w.db.GetProofsByKeysetId(mint.activeKeyset.Id).Amount()
		for id := range mint.inactiveKeysets {
			balances[mintURL] += w.db.GetProofsByKeysetId(id).Amount()
		}
	}
	return balances
}

// GetReceivePubkey derives the NUT-11 public key ecash can be locked to,
// per NUT-13's fixed m/129372'/0'/1'/0 path.
func (w *Wallet) GetReceivePubkey() (*btcec.PublicKey, error) {
	key, err := DeriveP2PK(w.masterKey)
	if err != nil {
		return nil, err
	}
	return key.PubKey(), nil
}

// createBlindedMessages builds one blinded message per amount in split,
// deriving each secret and blinding factor from the keyset's NUT-13 path at
// the given counter, which is advanced by the number of messages created.
func (w *Wallet) createBlindedMessages(split []uint64, keysetId string, counter *uint32) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	keysetPath, err := nut13.DeriveKeysetPath(w.masterKey, keysetId)
	if err != nil {
		return nil, nil, nil, err
	}

	blindedMessages := make(cashu.BlindedMessages, len(split))
	secrets := make([]string, len(split))
	rs := make([]*secp256k1.PrivateKey, len(split))

	for i, amt := range split {
		secret, r, err := generateDeterministicSecret(keysetPath, *counter)
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amt, B_)
		secrets[i] = secret
		rs[i] = r
		*counter++
	}

	return blindedMessages, secrets, rs, nil
}

// constructProofs unblinds a mint's signatures into spendable proofs.
func constructProofs(signatures cashu.BlindedSignatures, blindedMessages cashu.BlindedMessages,
	secrets []string, rs []*secp256k1.PrivateKey, keyset *crypto.WalletKeyset) (cashu.Proofs, error) {

	if len(signatures) != len(secrets) || len(signatures) != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		pubkey, ok := keyset.PublicKeys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("keyset does not have key for amount '%v'", signature.Amount)
		}

		C, err := unblindSignature(signature.C_, rs[i], pubkey)
		if err != nil {
			return nil, err
		}

		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: secrets[i],
			C:      C,
		}
	}

	return proofs, nil
}

// RequestMint requests a bolt11 mint quote for amount sats from the
// wallet's default mint.
func (w *Wallet) RequestMint(amount uint64) (*nut04.PostMintQuoteBolt11Response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	mintRequest := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: w.unit.String()}
	var quoteResponse *nut04.PostMintQuoteBolt11Response
	err := retry.Do(w.retryCfg, func() error {
		var rerr error
		quoteResponse, rerr = client.PostMintQuoteBolt11(w.defaultMint, mintRequest)
		return rerr
	})
	if err != nil {
		return nil, err
	}

	quote := storage.MintQuote{
		QuoteId:        quoteResponse.Quote,
		Mint:           w.defaultMint,
		Method:         cashu.BOLT11_METHOD,
		Unit:           w.unit.String(),
		PaymentRequest: quoteResponse.Request,
		Amount:         amount,
		QuoteExpiry:    uint64(quoteResponse.Expiry),
	}
	if err := w.db.SaveMintQuote(quote); err != nil {
		return nil, err
	}

	return quoteResponse, nil
}

// WaitForMintQuotePaid blocks until quoteId's mint quote is paid or timeout
// elapses. It prefers a NUT-17 websocket push notification over polling
// when the mint advertises support for it, and always falls back to
// polling GetMintQuoteState when the mint doesn't support NUT-17 or the
// subscription attempt fails for any reason (a wallet should never be
// unable to mint just because a websocket dial failed).
func (w *Wallet) WaitForMintQuotePaid(quoteId string, timeout time.Duration) (*nut04.PostMintQuoteBolt11Response, error) {
	quote := w.db.GetMintQuoteById(quoteId)
	if quote == nil {
		return nil, errors.New("quote not found")
	}

	deadline := time.Now().Add(timeout)
	if result, err := w.watchMintQuoteViaSubscription(quote.Mint, quoteId, timeout); err == nil {
		return result, nil
	}

	return w.pollMintQuotePaid(quote.Mint, quoteId, deadline)
}

// watchMintQuoteViaSubscription opens a NUT-17 subscription for quoteId and
// waits for a notification carrying a Paid state.
func (w *Wallet) watchMintQuoteViaSubscription(mintURL, quoteId string, timeout time.Duration) (
	*nut04.PostMintQuoteBolt11Response, error) {

	sm, err := submanager.NewSubscriptionManager(mintURL)
	if err != nil {
		return nil, err
	}
	defer sm.Close()

	errCh := make(chan error, 1)
	go sm.Run(errCh)

	sub, err := sm.WatchMintQuote(quoteId)
	if err != nil {
		return nil, err
	}
	defer sm.CloseSubscription(sub.SubId())

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.New("timed out waiting for mint quote notification")
		}

		select {
		case err := <-errCh:
			return nil, fmt.Errorf("subscription connection closed: %v", err)
		default:
		}

		notification, err := sub.ReadWithTimeout(remaining)
		if err != nil {
			return nil, err
		}
		quoteState, err := submanager.DecodeMintQuoteNotification(notification)
		if err != nil {
			continue
		}
		if quoteState.State == nut04.Paid {
			return quoteState, nil
		}
	}
}

// pollMintQuotePaid polls GetMintQuoteState on the rate-limited/retried mint
// client until quoteId is paid or deadline passes.
func (w *Wallet) pollMintQuotePaid(mintURL, quoteId string, deadline time.Time) (
	*nut04.PostMintQuoteBolt11Response, error) {

	const pollInterval = 2 * time.Second
	for {
		var state *nut04.PostMintQuoteBolt11Response
		err := retry.Do(w.retryCfg, func() error {
			var rerr error
			state, rerr = client.GetMintQuoteState(mintURL, quoteId)
			return rerr
		})
		if err != nil {
			return nil, err
		}
		if state.State == nut04.Paid {
			return state, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.New("timed out waiting for mint quote to be paid")
		}
		time.Sleep(pollInterval)
	}
}

// GetInvoiceByPaymentRequest looks up the locally-stored mint quote for a
// given bolt11 payment request.
func (w *Wallet) GetInvoiceByPaymentRequest(paymentRequest string) (*storage.MintQuote, error) {
	for _, quote := range w.db.GetMintQuotes() {
		if quote.PaymentRequest == paymentRequest {
			return &quote, nil
		}
	}
	return nil, errors.New("quote not found for payment request")
}

// MintTokens redeems a paid mint quote for proofs. This is the mint
// transaction FSM's requestingQuote..minting tail (idle -> minting ->
// complete | failed): the quote itself was already requested by
// RequestMint, so MintTokens picks up at "minting". No proof is committed
// to the store until the mint responds with signatures, so a failure here
// never leaves a partially-spent or phantom proof behind.
func (w *Wallet) MintTokens(quoteId string) (cashu.Proofs, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fsm := newTransactionFSM(txMint)
	if err := w.coordinator.begin(fsm); err != nil {
		return nil, err
	}
	defer w.coordinator.end(fsm)
	fsm.metadata["quote_id"] = quoteId

	quote := w.db.GetMintQuoteById(quoteId)
	if quote == nil {
		fsm.fail(errors.New("quote not found"))
		return nil, errors.New("quote not found")
	}

	activeKeyset, err := w.getActiveKeyset(quote.Mint)
	if err != nil {
		fsm.fail(err)
		return nil, err
	}

	counter := w.db.GetKeysetCounter(activeKeyset.Id)
	split := cashu.AmountSplit(quote.Amount)
	blindedMessages, secrets, rs, err := w.createBlindedMessages(split, activeKeyset.Id, &counter)
	if err != nil {
		fsm.fail(err)
		return nil, fmt.Errorf("createBlindedMessages: %v", err)
	}
	fsm.metadata["blinded_messages"] = blindedMessages
	fsm.transition(stateMintMinting)

	mintRequest := nut04.PostMintBolt11Request{Quote: quoteId, Outputs: blindedMessages}
	var mintResponse *nut04.PostMintBolt11Response
	err = retry.Do(w.retryCfg, func() error {
		var rerr error
		mintResponse, rerr = client.PostMintBolt11(quote.Mint, mintRequest)
		return rerr
	})
	if err != nil {
		// nothing was committed to the proof store yet; safe to retry with
		// the unchanged outputs above, since the mint keys the idempotency
		// on the quote id.
		fsm.fail(err)
		return nil, err
	}

	proofs, err := constructProofs(mintResponse.Signatures, blindedMessages, secrets, rs, activeKeyset)
	if err != nil {
		fsm.fail(err)
		return nil, fmt.Errorf("constructProofs: %v", err)
	}

	if err := w.db.SaveProofs(proofs); err != nil {
		fsm.fail(err)
		return nil, err
	}
	if err := w.db.IncrementKeysetCounter(activeKeyset.Id, uint32(len(split))); err != nil {
		fsm.fail(err)
		return nil, err
	}

	fsm.complete()
	w.recordTransaction(history.Mint, quote.Mint, quoteId, quote.Amount, 0, stateComplete)
	return proofs, nil
}

// Receive adds the proofs in token to the wallet. If swap is true (token
// comes from an untrusted mint), the proofs are first exchanged at the
// wallet's default mint for fresh ones on a trusted keyset.
func (w *Wallet) Receive(token cashu.Token, swap bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	proofs := token.Proofs()

	if !swap {
		mintURL := token.Mint()
		if _, ok := w.mints[mintURL]; !ok {
			if err := w.addMint(mintURL); err != nil {
				return 0, err
			}
		} else if _, err := w.getActiveKeyset(mintURL); err != nil {
			return 0, err
		}
		if err := w.db.SaveProofs(proofs); err != nil {
			return 0, err
		}
		return token.Amount(), nil
	}

	fsm := newTransactionFSM(txSwap)
	if err := w.coordinator.begin(fsm); err != nil {
		return 0, err
	}
	defer w.coordinator.end(fsm)
	fsm.transition(stateSwapPreparingInputs)

	activeKeyset, err := w.getActiveKeyset(w.defaultMint)
	if err != nil {
		fsm.fail(err)
		return 0, err
	}

	counter := w.db.GetKeysetCounter(activeKeyset.Id)
	split := cashu.AmountSplit(token.Amount())
	fsm.transition(stateSwapPreparingOutputs)
	blindedMessages, secrets, rs, err := w.createBlindedMessages(split, activeKeyset.Id, &counter)
	if err != nil {
		fsm.fail(err)
		return 0, fmt.Errorf("createBlindedMessages: %v", err)
	}

	fsm.transition(stateSwapSwapping)
	swapRequest := nut03.PostSwapRequest{Inputs: proofs, Outputs: blindedMessages}
	var swapResponse *nut03.PostSwapResponse
	err = retry.Do(w.retryCfg, func() error {
		var rerr error
		swapResponse, rerr = client.PostSwap(w.defaultMint, swapRequest)
		return rerr
	})
	if err != nil {
		fsm.fail(err)
		return 0, err
	}

	newProofs, err := constructProofs(swapResponse.Signatures, blindedMessages, secrets, rs, activeKeyset)
	if err != nil {
		fsm.fail(err)
		return 0, fmt.Errorf("constructProofs: %v", err)
	}

	if err := w.db.SaveProofs(newProofs); err != nil {
		fsm.fail(err)
		return 0, err
	}
	if err := w.db.IncrementKeysetCounter(activeKeyset.Id, uint32(len(split))); err != nil {
		fsm.fail(err)
		return 0, err
	}

	fsm.complete()
	w.recordTransaction(history.Swap, w.defaultMint, "", newProofs.Amount(), 0, stateComplete)
	return newProofs.Amount(), nil
}

// selectProofsForAmount gathers mintURL's unspent proofs across its active
// and inactive keysets and runs the greedy/trim selection in
// cashu.SelectProofs to cover at least amount with minimal cardinality and
// surplus.
func (w *Wallet) selectProofsForAmount(mintURL string, amount uint64) (cashu.Proofs, error) {
	mint, ok := w.mints[mintURL]
	if !ok {
		return nil, fmt.Errorf("unknown mint '%v'", mintURL)
	}

	var candidates cashu.Proofs
	for id := range mint.inactiveKeysets {
		candidates = append(candidates, w.db.GetProofsByKeysetId(id)...)
	}
	candidates = append(candidates, w.db.GetProofsByKeysetId(mint.activeKeyset.Id)...)

	return cashu.SelectProofs(candidates, amount)
}

// lockedBlindedMessages builds blinded messages for split whose secrets are
// NUT-11 P2PK well-known secrets locked to pubkey, rather than the usual
// NUT-13 deterministic secrets. Locked outputs use a random blinding factor:
// their secret content already isn't derivable from the wallet's NUT-13
// path, so there is nothing to gain from making r deterministic too.
func lockedBlindedMessages(split []uint64, keysetId string, pubkey *btcec.PublicKey) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	pubkeyHex := hex.EncodeToString(pubkey.SerializeCompressed())
	blindedMessages := make(cashu.BlindedMessages, len(split))
	secrets := make([]string, len(split))
	rs := make([]*secp256k1.PrivateKey, len(split))

	for i, amt := range split {
		secret, err := nut11.P2PKSecret(pubkeyHex)
		if err != nil {
			return nil, nil, nil, err
		}

		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

// send builds a token for sendAmount from selectedMint, optionally locking
// the proofs sent to a public key, and swaps for exact change so only the
// requested amount leaves the wallet.
func (w *Wallet) send(sendAmount uint64, selectedMint string, pubkey *btcec.PublicKey, includeFees bool) (cashu.Token, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fsm := newTransactionFSM(txSwap)
	if err := w.coordinator.begin(fsm); err != nil {
		return nil, err
	}
	defer w.coordinator.end(fsm)
	fsm.transition(stateSwapPreparingInputs)

	selectedProofs, err := w.selectProofsForAmount(selectedMint, sendAmount)
	if err != nil {
		fsm.fail(err)
		return nil, err
	}

	activeKeyset, err := w.getActiveKeyset(selectedMint)
	if err != nil {
		fsm.fail(err)
		return nil, err
	}

	change := selectedProofs.Amount() - sendAmount
	counter := w.db.GetKeysetCounter(activeKeyset.Id)

	fsm.transition(stateSwapPreparingOutputs)
	sendSplit := cashu.AmountSplit(sendAmount)
	var sendMessages cashu.BlindedMessages
	var sendSecrets []string
	var sendRs []*secp256k1.PrivateKey
	if pubkey != nil {
		sendMessages, sendSecrets, sendRs, err = lockedBlindedMessages(sendSplit, activeKeyset.Id, pubkey)
	} else {
		sendMessages, sendSecrets, sendRs, err = w.createBlindedMessages(sendSplit, activeKeyset.Id, &counter)
	}
	if err != nil {
		fsm.fail(err)
		return nil, fmt.Errorf("createBlindedMessages: %v", err)
	}

	changeSplit := cashu.AmountSplit(change)
	changeMessages, changeSecrets, changeRs, err := w.createBlindedMessages(changeSplit, activeKeyset.Id, &counter)
	if err != nil {
		fsm.fail(err)
		return nil, fmt.Errorf("createBlindedMessages: %v", err)
	}

	sendCount := len(sendMessages)
	blindedMessages := append(sendMessages, changeMessages...)
	secrets := append(sendSecrets, changeSecrets...)
	rs := append(sendRs, changeRs...)

	// inputs are not marked pending for a local swap: unlike melt, there is
	// no third-party settlement window between submission and response, so
	// a failure here leaves selectedProofs untouched and still unspent.
	fsm.transition(stateSwapSwapping)
	swapRequest := nut03.PostSwapRequest{Inputs: selectedProofs, Outputs: blindedMessages}
	var swapResponse *nut03.PostSwapResponse
	err = retry.Do(w.retryCfg, func() error {
		var rerr error
		swapResponse, rerr = client.PostSwap(selectedMint, swapRequest)
		return rerr
	})
	if err != nil {
		fsm.fail(err)
		return nil, err
	}

	newProofs, err := constructProofs(swapResponse.Signatures, blindedMessages, secrets, rs, activeKeyset)
	if err != nil {
		fsm.fail(err)
		return nil, fmt.Errorf("constructProofs: %v", err)
	}
	if pubkey == nil {
		if err := w.db.IncrementKeysetCounter(activeKeyset.Id, uint32(len(blindedMessages))); err != nil {
			fsm.fail(err)
			return nil, err
		}
	} else {
		if err := w.db.IncrementKeysetCounter(activeKeyset.Id, uint32(len(changeMessages))); err != nil {
			fsm.fail(err)
			return nil, err
		}
	}

	if err := w.db.MarkProofsSpent(selectedProofs); err != nil {
		fsm.fail(err)
		return nil, err
	}

	toSend := newProofs[:sendCount]
	toKeep := newProofs[sendCount:]
	if err := w.db.SaveProofs(toKeep); err != nil {
		fsm.fail(err)
		return nil, err
	}

	token, err := cashu.NewTokenV4(toSend, selectedMint, w.unit, false)
	if err != nil {
		fsm.fail(err)
		return nil, err
	}
	fsm.complete()
	w.recordTransaction(history.Swap, selectedMint, "", sendAmount, 0, stateComplete)
	return token, nil
}

// Send builds a token for sendAmount from the proofs held at selectedMint.
func (w *Wallet) Send(sendAmount uint64, selectedMint string, includeFees bool) (cashu.Token, error) {
	return w.send(sendAmount, selectedMint, nil, includeFees)
}

// SendToPubkey builds a NUT-11 P2PK-locked token for sendAmount, spendable
// only by the holder of pubkey's private key.
func (w *Wallet) SendToPubkey(sendAmount uint64, selectedMint string, pubkey *btcec.PublicKey, includeFees bool) (cashu.Token, error) {
	return w.send(sendAmount, selectedMint, pubkey, includeFees)
}

// Melt pays a lightning invoice by requesting a melt quote and presenting
// proofs covering the amount plus fee reserve. This is the melt transaction
// FSM (idle -> requestingQuote -> preparingProofs -> melting -> complete |
// failed) inlined as a single locked call: proofs move to pending the
// moment they're selected, and on any failure they are restored to unspent
// under the same lock before returning, so a caller never observes a state
// where proofs are neither spendable nor known to be in flight.
func (w *Wallet) Melt(invoice string, selectedMint string) (*nut05.PostMeltBolt11Response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fsm := newTransactionFSM(txMelt)
	if err := w.coordinator.begin(fsm); err != nil {
		return nil, err
	}
	defer w.coordinator.end(fsm)

	fsm.transition(stateMeltingRequestingQuote)
	meltQuoteRequest := nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: w.unit.String()}
	meltQuote, err := client.PostMeltQuoteBolt11(selectedMint, meltQuoteRequest)
	if err != nil {
		fsm.fail(err)
		return nil, err
	}
	fsm.metadata["quote_id"] = meltQuote.Quote

	amountNeeded := meltQuote.Amount + meltQuote.FeeReserve
	proofs, err := w.selectProofsForAmount(selectedMint, amountNeeded)
	if err != nil {
		fsm.fail(err)
		return nil, err
	}
	fsm.transition(stateMeltingPreparingProofs)

	// blank outputs let the mint sign back change for any overshoot between
	// the selected proofs' total and amount+fee_reserve.
	activeKeyset, err := w.getActiveKeyset(selectedMint)
	if err != nil {
		fsm.fail(err)
		return nil, err
	}
	blankCount := cashu.BlankOutputCount(meltQuote.FeeReserve)
	counter := w.db.GetKeysetCounter(activeKeyset.Id)
	var changeMessages cashu.BlindedMessages
	var changeSecrets []string
	var changeRs []*secp256k1.PrivateKey
	if blankCount > 0 {
		blankSplit := make([]uint64, blankCount)
		for i := range blankSplit {
			blankSplit[i] = 1
		}
		changeMessages, changeSecrets, changeRs, err = w.createBlindedMessages(blankSplit, activeKeyset.Id, &counter)
		if err != nil {
			fsm.fail(err)
			return nil, fmt.Errorf("createBlindedMessages: %v", err)
		}
	}

	if err := w.db.AddPendingProofsByQuoteId(proofs, meltQuote.Quote); err != nil {
		fsm.fail(err)
		return nil, err
	}
	for _, proof := range proofs {
		w.db.DeleteProof(proof.Secret)
	}
	fsm.transition(stateMelting)

	meltRequest := nut05.PostMeltBolt11Request{Quote: meltQuote.Quote, Inputs: proofs, Outputs: changeMessages}
	var meltResponse *nut05.PostMeltBolt11Response
	err = retry.Do(w.retryCfg, func() error {
		var rerr error
		meltResponse, rerr = client.PostMeltBolt11(selectedMint, meltRequest)
		return rerr
	})
	if err != nil {
		// transport/protocol error: restore proofs, idempotency contract
		// allows a caller to retry the same invoice later with fresh proofs
		w.rollbackMeltProofs(proofs, meltQuote.Quote)
		fsm.fail(err)
		return nil, err
	}

	switch meltResponse.State {
	case nut05.Paid:
		if err := w.db.MarkPendingProofsSpent(meltQuote.Quote); err != nil {
			fsm.fail(err)
			return nil, err
		}
		if len(meltResponse.Change) > 0 && len(changeSecrets) > 0 {
			changeProofs, err := constructProofs(meltResponse.Change, changeMessages[:len(meltResponse.Change)],
				changeSecrets[:len(meltResponse.Change)], changeRs[:len(meltResponse.Change)], activeKeyset)
			if err == nil {
				w.db.SaveProofs(changeProofs)
				w.db.IncrementKeysetCounter(activeKeyset.Id, uint32(len(changeProofs)))
			}
		}
		fsm.complete()
		w.recordTransaction(history.Melt, selectedMint, meltQuote.Quote, meltQuote.Amount, meltQuote.FeeReserve, stateComplete)
	case nut05.Pending:
		// leave proofs pending: the mint still has an in-flight payment
		// attempt; a later /checkstate or quote poll resolves this, never
		// a blind retry, since the Lightning payment may still land.
		fsm.fail(errors.New("melt quote pending"))
	default:
		// payment did not go through, restore proofs as spendable
		w.rollbackMeltProofs(proofs, meltQuote.Quote)
		fsm.fail(errors.New("melt quote not paid"))
	}

	return meltResponse, nil
}

// recordTransaction appends a completed operation to the transaction
// history ledger. Failures are logged to stderr rather than surfaced:
// history is a secondary record, and a write hiccup here should never
// unwind an otherwise-successful mint/melt/swap.
func (w *Wallet) recordTransaction(kind history.Kind, mintURL, quoteId string, amount, fee uint64, state string) {
	now := time.Now().Unix()
	tx := history.Transaction{
		Id:        uuid.NewString(),
		Kind:      kind,
		Mint:      mintURL,
		QuoteId:   quoteId,
		Amount:    amount,
		Fee:       fee,
		Unit:      w.unit.String(),
		State:     state,
		CreatedAt: now,
		SettledAt: now,
	}
	if err := w.history.SaveTransaction(tx); err != nil {
		fmt.Fprintf(os.Stderr, "wallet: recording transaction history: %v\n", err)
	}
}

// Transactions returns every recorded mint/melt/swap, most recent first.
func (w *Wallet) Transactions() ([]history.Transaction, error) {
	return w.history.GetTransactions()
}

// TransactionsByMint returns the transactions recorded against mintURL,
// most recent first.
func (w *Wallet) TransactionsByMint(mintURL string) ([]history.Transaction, error) {
	return w.history.GetTransactionsByMint(mintURL)
}

// Close releases the wallet's underlying storage handles.
func (w *Wallet) Close() error {
	histErr := w.history.Close()
	if err := w.db.Close(); err != nil {
		return err
	}
	return histErr
}

// rollbackMeltProofs restores proofs selected for a melt back to the
// unspent set and clears their pending marker, preserving the invariant
// that a failed melt leaves proof_store.unspent unchanged.
func (w *Wallet) rollbackMeltProofs(proofs cashu.Proofs, quoteId string) {
	w.db.SaveProofs(proofs)
	w.db.DeletePendingProofsByQuoteId(quoteId)
}

// UpdateMintURL re-keys every reference to oldURL (in-memory and persisted)
// to newURL, for when a mint moves its base URL.
func (w *Wallet) UpdateMintURL(oldURL, newURL string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	mint, ok := w.mints[oldURL]
	if !ok {
		return fmt.Errorf("mint '%v' not found", oldURL)
	}

	mint.mintURL = newURL
	mint.activeKeyset.MintURL = newURL
	if err := w.db.SaveKeyset(&mint.activeKeyset); err != nil {
		return err
	}

	for id, keyset := range mint.inactiveKeysets {
		keyset.MintURL = newURL
		if err := w.db.SaveKeyset(&keyset); err != nil {
			return err
		}
		mint.inactiveKeysets[id] = keyset
	}

	if err := w.db.UpdateKeysetMintURL(oldURL, newURL); err != nil {
		return err
	}

	delete(w.mints, oldURL)
	w.mints[newURL] = mint

	if w.defaultMint == oldURL {
		w.defaultMint = newURL
	}

	return nil
}
