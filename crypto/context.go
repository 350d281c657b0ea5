package crypto

import (
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/sirupsen/logrus"
)

// curveContext is the process-wide secp256k1 context. It is built once and is
// read-only afterwards, so it is safe for concurrent use.
type curveContext struct {
	curve *btcec.KoblitzCurve
	// generator is the base point in Jacobian form, computed during init so
	// the precomputed base-point tables are decompressed before first use.
	generator btcec.JacobianPoint
}

var (
	curveOnce sync.Once
	curveCtx  *curveContext
)

// secp256k1 returns the shared curve context, initializing it on first call.
func secp256k1() *curveContext {
	curveOnce.Do(func() {
		ctx := &curveContext{curve: btcec.S256()}

		var one btcec.ModNScalar
		one.SetInt(1)
		btcec.ScalarBaseMultNonConst(&one, &ctx.generator)
		ctx.generator.ToAffine()

		curveCtx = ctx

		logrus.WithFields(logrus.Fields{
			"function": "secp256k1",
			"package":  "crypto",
		}).Debug("secp256k1 context initialized")
	})
	return curveCtx
}

// WarmUp initializes the shared curve context. Callers that want the
// precomputation cost paid at startup rather than on the first signature
// call it once during boot.
func WarmUp() {
	_ = secp256k1()
}
