// Package client is the wallet's HTTP transport to a Cashu mint: the typed
// NUT-01/03/04/05/06/07/09 request/response functions, rate-limited per
// mint and layered with a NUT-19 response cache so a retried mint/swap/melt
// POST never double-spends a set of blinded messages.
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/nutshell-labs/nutcore/cashu"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut01"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut02"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut03"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut04"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut05"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut06"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut07"
	"github.com/nutshell-labs/nutcore/cashu/nuts/nut09"
	"github.com/nutshell-labs/nutcore/wallet/ratelimit"
)

var (
	// limiters is keyed by mintURL+"\x00"+endpoint: each mint gets its own
	// independent budget per endpoint, so a burst of GetActiveKeysets calls
	// can never stall a pending PostMeltBolt11 and vice versa.
	limiters      sync.Map // string -> *ratelimit.Limiter
	endpointCfgMu sync.Mutex
	endpointCfg   = map[string]ratelimit.Config{}
	defaultCfg    = ratelimit.DefaultConfig()

	respCache = newCache()
)

// Endpoint names passed to limiterFor/get/httpPost. These are the unit spec
// §4.5's per-endpoint rate limiting is configured against, not raw URL
// paths, so a mint quote poll and a mint quote submission can be budgeted
// separately even though they share a URL prefix.
const (
	EndpointInfo           = "info"
	EndpointKeys           = "keys"
	EndpointKeysets        = "keysets"
	EndpointMintQuote      = "mint_quote"
	EndpointMintQuoteState = "mint_quote_state"
	EndpointMint           = "mint"
	EndpointSwap           = "swap"
	EndpointMeltQuote      = "melt_quote"
	EndpointMeltQuoteState = "melt_quote_state"
	EndpointMelt           = "melt"
	EndpointCheckState     = "checkstate"
	EndpointRestore        = "restore"
)

// SetRateLimitConfig sizes the token bucket + sliding window used for one
// logical endpoint (see the Endpoint* constants), per spec §6's
// Config.rate_limit. It only takes effect for limiters created after the
// call; an endpoint already in use keeps its existing budget.
func SetRateLimitConfig(endpoint string, cfg ratelimit.Config) {
	endpointCfgMu.Lock()
	defer endpointCfgMu.Unlock()
	endpointCfg[endpoint] = cfg
}

// SetDefaultRateLimitConfig replaces the fallback config used for endpoints
// with no explicit SetRateLimitConfig entry.
func SetDefaultRateLimitConfig(cfg ratelimit.Config) {
	endpointCfgMu.Lock()
	defer endpointCfgMu.Unlock()
	defaultCfg = cfg
}

func limiterFor(mintURL, endpoint string) *ratelimit.Limiter {
	key := mintURL + "\x00" + endpoint
	if l, ok := limiters.Load(key); ok {
		return l.(*ratelimit.Limiter)
	}

	endpointCfgMu.Lock()
	cfg, ok := endpointCfg[endpoint]
	if !ok {
		cfg = defaultCfg
	}
	endpointCfgMu.Unlock()

	l, _ := limiters.LoadOrStore(key, ratelimit.New(cfg))
	return l.(*ratelimit.Limiter)
}

// ObserveRateLimit exposes one endpoint's current admission state for
// monitoring/testing, per spec §4.5's observability contract. It never
// creates a limiter that doesn't already exist; an endpoint not yet used
// reports as not limited.
func ObserveRateLimit(mintURL, endpoint string) ratelimit.Observation {
	key := mintURL + "\x00" + endpoint
	l, ok := limiters.Load(key)
	if !ok {
		return ratelimit.Observation{}
	}
	return l.(*ratelimit.Limiter).Observe()
}

func GetMintInfo(mintURL string) (*nut06.MintInfo, error) {
	resp, err := get(mintURL, EndpointInfo, mintURL+"/v1/info")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var mintInfo nut06.MintInfo
	if err := json.Unmarshal(body, &mintInfo); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &mintInfo, nil
}

func GetActiveKeysets(mintURL string) (*nut01.GetKeysResponse, error) {
	resp, err := get(mintURL, EndpointKeys, mintURL+"/v1/keys")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var keysetRes nut01.GetKeysResponse
	if err := json.Unmarshal(body, &keysetRes); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &keysetRes, nil
}

func GetAllKeysets(mintURL string) (*nut02.GetKeysetsResponse, error) {
	resp, err := get(mintURL, EndpointKeysets, mintURL+"/v1/keysets")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var keysetsRes nut02.GetKeysetsResponse
	if err := json.Unmarshal(body, &keysetsRes); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &keysetsRes, nil
}

func GetKeysetById(mintURL, id string) (*nut01.GetKeysResponse, error) {
	resp, err := get(mintURL, EndpointKeys, mintURL+"/v1/keys/"+id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var keysetRes nut01.GetKeysResponse
	if err := json.Unmarshal(body, &keysetRes); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &keysetRes, nil
}

func PostMintQuoteBolt11(mintURL string, mintQuoteRequest nut04.PostMintQuoteBolt11Request) (
	*nut04.PostMintQuoteBolt11Response, error) {
	requestBody, err := json.Marshal(mintQuoteRequest)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %v", err)
	}

	var reqMintResponse nut04.PostMintQuoteBolt11Response
	if err := postCached(mintURL, EndpointMintQuote, mintURL+"/v1/mint/quote/bolt11", requestBody, &reqMintResponse); err != nil {
		return nil, err
	}

	return &reqMintResponse, nil
}

func GetMintQuoteState(mintURL, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	resp, err := get(mintURL, EndpointMintQuoteState, mintURL+"/v1/mint/quote/bolt11/"+quoteId)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var mintQuoteResponse nut04.PostMintQuoteBolt11Response
	if err := json.Unmarshal(body, &mintQuoteResponse); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &mintQuoteResponse, nil
}

// PostMintBolt11 redeems a paid mint quote for signatures. Cached by the
// request body (quote id + outputs) so resubmitting after a dropped
// connection returns the original signatures instead of asking the mint to
// sign the same outputs twice.
func PostMintBolt11(mintURL string, mintRequest nut04.PostMintBolt11Request) (
	*nut04.PostMintBolt11Response, error) {
	requestBody, err := json.Marshal(mintRequest)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %v", err)
	}

	var reqMintResponse nut04.PostMintBolt11Response
	if err := postCached(mintURL, EndpointMint, mintURL+"/v1/mint/bolt11", requestBody, &reqMintResponse); err != nil {
		return nil, err
	}

	return &reqMintResponse, nil
}

// PostSwap exchanges proofs for new blinded signatures. Cached the same way
// as PostMintBolt11: identical (inputs, outputs) resubmitted after a retry
// gets back the original signatures rather than a "token already spent"
// error from signing the same outputs under a fresh request.
func PostSwap(mintURL string, swapRequest nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	requestBody, err := json.Marshal(swapRequest)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %v", err)
	}

	var swapResponse nut03.PostSwapResponse
	if err := postCached(mintURL, EndpointSwap, mintURL+"/v1/swap", requestBody, &swapResponse); err != nil {
		return nil, err
	}

	return &swapResponse, nil
}

func PostMeltQuoteBolt11(mintURL string, meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {

	if err := meltQuoteRequest.Options.Valid(); err != nil {
		return nil, err
	}

	requestBody, err := json.Marshal(meltQuoteRequest)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %v", err)
	}

	resp, err := httpPost(mintURL, EndpointMeltQuote, mintURL+"/v1/melt/quote/bolt11", requestBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := json.Unmarshal(body, &meltQuoteResponse); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &meltQuoteResponse, nil
}

// PostMeltBolt11 pays an invoice with inputs. Cached: retrying a melt
// submission must never present the same inputs twice as two different
// payment attempts.
func PostMeltBolt11(mintURL string, meltRequest nut05.PostMeltBolt11Request) (
	*nut05.PostMeltBolt11Response, error) {

	requestBody, err := json.Marshal(meltRequest)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %v", err)
	}

	var meltResponse nut05.PostMeltBolt11Response
	if err := postCached(mintURL, EndpointMelt, mintURL+"/v1/melt/bolt11", requestBody, &meltResponse); err != nil {
		return nil, err
	}

	return &meltResponse, nil
}

// GetMeltQuoteState polls a melt quote's current state; used by the melt FSM
// to distinguish a PENDING in-flight Lightning payment (safe to keep
// waiting, inputs stay pending) from UNPAID (safe to retry) and PAID.
func GetMeltQuoteState(mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	resp, err := get(mintURL, EndpointMeltQuoteState, mintURL+"/v1/melt/quote/bolt11/"+quoteId)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := json.Unmarshal(body, &meltQuoteResponse); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &meltQuoteResponse, nil
}

func PostCheckProofState(mintURL string, stateRequest nut07.PostCheckStateRequest) (
	*nut07.PostCheckStateResponse, error) {

	requestBody, err := json.Marshal(stateRequest)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %v", err)
	}

	resp, err := httpPost(mintURL, EndpointCheckState, mintURL+"/v1/checkstate", requestBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var stateResponse nut07.PostCheckStateResponse
	if err := json.Unmarshal(body, &stateResponse); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &stateResponse, nil
}

func PostRestore(mintURL string, restoreRequest nut09.PostRestoreRequest) (
	*nut09.PostRestoreResponse, error) {

	requestBody, err := json.Marshal(restoreRequest)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %v", err)
	}

	resp, err := httpPost(mintURL, EndpointRestore, mintURL+"/v1/restore", requestBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var restoreResponse nut09.PostRestoreResponse
	if err := json.Unmarshal(body, &restoreResponse); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &restoreResponse, nil
}

func get(mintURL, endpoint, url string) (*http.Response, error) {
	if err := limiterFor(mintURL, endpoint).Wait(context.Background()); err != nil {
		return nil, err
	}

	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}

	return parse(resp)
}

func httpPost(mintURL, endpoint, url string, body []byte) (*http.Response, error) {
	if err := limiterFor(mintURL, endpoint).Wait(context.Background()); err != nil {
		return nil, err
	}

	resp, err := http.Post(url, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	return parse(resp)
}

// postCached performs a rate-limited POST and decodes the JSON response into
// out, transparently returning a cached response for a body identical to one
// already sent to url (NUT-19).
func postCached(mintURL, endpoint, url string, body []byte, out interface{}) error {
	cacheable := cacheEnabledFor(endpoint)
	key := cacheKey(url, body)
	if cacheable {
		if cached, ok := respCache.get(key); ok {
			return json.Unmarshal(cached, out)
		}
	}

	resp, err := httpPost(mintURL, endpoint, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("error reading response from mint: %v", err)
	}

	if cacheable {
		respCache.put(key, respBody)
	}
	return nil
}

func cacheKey(url string, body []byte) string {
	h := sha256.Sum256(append([]byte(url), body...))
	return hex.EncodeToString(h[:])
}

func parse(response *http.Response) (*http.Response, error) {
	if response.StatusCode == 400 {
		var errResponse cashu.Error
		err := json.NewDecoder(response.Body).Decode(&errResponse)
		if err != nil {
			return nil, fmt.Errorf("could not decode error response from mint: %v", err)
		}
		return nil, errResponse
	}

	if response.StatusCode != 200 {
		body, err := io.ReadAll(response.Body)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s", body)
	}

	return response, nil
}
