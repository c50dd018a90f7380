package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// GenerateDLEQ produces a NUT-12 proof that the mint signed C_ = kB_ with
// the same private key k whose public key A = kG is advertised in the
// keyset, without revealing k. Used by the mint-simulation in tests (the
// wallet never signs, but it must be able to verify what a mint claims).
func GenerateDLEQ(k *secp256k1.PrivateKey, B_ *secp256k1.PublicKey) (e, s *secp256k1.PrivateKey, err error) {
	A := k.PubKey()
	C_ := SignBlindedMessage(B_, k)

	p, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	var r1Point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&p.Key, &r1Point)
	r1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&r1Point.X, &r1Point.Y)

	var b_Point, r2Point secp256k1.JacobianPoint
	B_.AsJacobian(&b_Point)
	secp256k1.ScalarMultNonConst(&p.Key, &b_Point, &r2Point)
	r2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&r2Point.X, &r2Point.Y)

	eScalar := dleqChallenge(R1, R2, A, C_)
	e = secp256k1.PrivKeyFromBytes(eScalar[:])

	var ek secp256k1.ModNScalar
	ek.Mul2(&e.Key, &k.Key)
	var sScalar secp256k1.ModNScalar
	sScalar.Add2(&p.Key, &ek)
	sBytes := sScalar.Bytes()
	s = secp256k1.PrivKeyFromBytes(sBytes[:])

	return e, s, nil
}

// VerifyDLEQ checks a NUT-12 proof (e, s) that the holder of the private
// key behind A produced C_ as a valid blind signature over B_, without
// needing to know that private key.
//
//	R1 = sG - eA
//	R2 = sB_ - eC_
//	accept iff e == hash(R1, R2, A, C_)
func VerifyDLEQ(e, s *secp256k1.PrivateKey, A, B_, C_ *secp256k1.PublicKey) bool {
	var sG secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s.Key, &sG)
	sG.ToAffine()

	var eA, negEA secp256k1.JacobianPoint
	var aPoint secp256k1.JacobianPoint
	A.AsJacobian(&aPoint)
	secp256k1.ScalarMultNonConst(&e.Key, &aPoint, &eA)
	eA.ToAffine()
	negEA = eA
	negEA.Y.Negate(1)
	negEA.Y.Normalize()

	var r1 secp256k1.JacobianPoint
	secp256k1.AddNonConst(&sG, &negEA, &r1)
	r1.ToAffine()
	R1 := secp256k1.NewPublicKey(&r1.X, &r1.Y)

	var sB_ secp256k1.JacobianPoint
	var b_Point secp256k1.JacobianPoint
	B_.AsJacobian(&b_Point)
	secp256k1.ScalarMultNonConst(&s.Key, &b_Point, &sB_)
	sB_.ToAffine()

	var eC_, negEC_ secp256k1.JacobianPoint
	var c_Point secp256k1.JacobianPoint
	C_.AsJacobian(&c_Point)
	secp256k1.ScalarMultNonConst(&e.Key, &c_Point, &eC_)
	eC_.ToAffine()
	negEC_ = eC_
	negEC_.Y.Negate(1)
	negEC_.Y.Normalize()

	var r2 secp256k1.JacobianPoint
	secp256k1.AddNonConst(&sB_, &negEC_, &r2)
	r2.ToAffine()
	R2 := secp256k1.NewPublicKey(&r2.X, &r2.Y)

	expected := dleqChallenge(R1, R2, A, C_)
	var actual [32]byte
	copy(actual[:], e.Serialize())

	return expected == actual
}

func dleqChallenge(R1, R2, A, C_ *secp256k1.PublicKey) [32]byte {
	e_ := ""
	for _, p := range []*secp256k1.PublicKey{R1, R2, A, C_} {
		e_ += hex.EncodeToString(p.SerializeUncompressed())
	}
	return sha256.Sum256([]byte(e_))
}
