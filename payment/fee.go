package payment

import (
	"context"
	"fmt"

	"github.com/agentpay/spendguard"
)

// FeeFor returns the routing fee to reserve for invoice and allow the
// wallet to spend. The wallet's estimate wins; when it cannot estimate,
// the caller's declared ceiling is used, then fallback. An estimate above
// a declared ceiling is rejected before anything is reserved.
func FeeFor(ctx context.Context, wallet spendguard.Wallet, invoice string, ceiling, fallback int64) (int64, error) {
	estimate, err := wallet.EstimateLightningFee(ctx, invoice)
	if err != nil || estimate < 0 {
		if ceiling > 0 {
			return ceiling, nil
		}
		return fallback, nil
	}
	if ceiling > 0 && estimate > ceiling {
		return 0, spendguard.NewError(spendguard.KindTransactionTooLarge,
			fmt.Sprintf("estimated fee %d exceeds maxFeeSats %d", estimate, ceiling),
			map[string]interface{}{"feeSats": estimate, "maxFeeSats": ceiling})
	}
	return estimate, nil
}
