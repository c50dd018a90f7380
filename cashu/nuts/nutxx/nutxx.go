// Package nutxx implements NUT-18 payment requests: a portable, signable
// description of a payment a wallet should make, carried as a cbor-encoded,
// base64url "creqA..." string.
package nutxx

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const PaymentRequestPrefix = "creq"
const PaymentRequestV1 = "A"

type PaymentRequest struct {
	I string      `json:"i,omitempty" cbor:"i,omitempty"`
	A uint64      `json:"a,omitempty" cbor:"a,omitempty"`
	U string      `json:"u,omitempty" cbor:"u,omitempty"`
	R bool        `json:"r,omitempty" cbor:"r,omitempty"`
	M []string    `json:"m,omitempty" cbor:"m,omitempty"`
	D string      `json:"d,omitempty" cbor:"d,omitempty"`
	T []Transport `json:"t" cbor:"t"`
}

type Transport struct {
	T string     `json:"t" cbor:"t"`
	A string     `json:"a" cbor:"a"`
	G [][]string `json:"g,omitempty" cbor:"g,omitempty"`
}

func (p PaymentRequest) Encode() (string, error) {
	reqBytes, err := cbor.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("cbor.Marshal(p): %v", err)
	}

	return PaymentRequestPrefix + PaymentRequestV1 + base64.URLEncoding.EncodeToString(reqBytes), nil
}

func DecodePaymentRequest(req string) (PaymentRequest, error) {
	var request PaymentRequest

	prefixLen := len(PaymentRequestPrefix) + len(PaymentRequestV1)
	if len(req) <= prefixLen {
		return request, fmt.Errorf("invalid payment request length")
	}
	if req[:prefixLen] != PaymentRequestPrefix+PaymentRequestV1 {
		return request, fmt.Errorf("invalid payment request prefix")
	}

	reqBytes, err := base64.URLEncoding.DecodeString(req[prefixLen:])
	if err != nil {
		return request, fmt.Errorf("invalid payment request encoding: %v", err)
	}

	if err := cbor.Unmarshal(reqBytes, &request); err != nil {
		return request, fmt.Errorf("cbor.Unmarshal: %v", err)
	}
	if len(request.T) == 0 {
		return request, fmt.Errorf("payment request has no transports")
	}

	return request, nil
}
