package levx

import "math/big"

// feeSplit is the exact decomposition of a collected fee. Under integer
// wads discount+rebate+lp+protocol always reproduces the input: the two
// rate legs truncate toward zero and the protocol leg is the final
// remainder, never an independent percentage.
type feeSplit struct {
	Discount *big.Int
	Rebate   *big.Int
	LP       *big.Int
	Protocol *big.Int

	RebateRecipient Address
}

func (s feeSplit) total() *big.Int {
	t := new(big.Int).Add(s.Discount, s.Rebate)
	t.Add(t, s.LP)
	return t.Add(t, s.Protocol)
}

// splitFee routes a fee amount through the waterfall. A nil tier (unknown
// or absent referral code) collapses discount and rebate to zero.
func splitFee(fee *big.Int, tier *ReferralTier, lpRatio *big.Int) feeSplit {
	s := feeSplit{Discount: wad(), Rebate: wad()}
	if tier != nil {
		s.Discount = WadMul(fee, tier.DiscountRate)
		s.Rebate = WadMul(fee, tier.RebateRate)
		s.RebateRecipient = tier.RebateRecipient
	}
	remaining := new(big.Int).Sub(fee, s.Discount)
	remaining.Sub(remaining, s.Rebate)
	s.LP = WadMul(remaining, lpRatio)
	s.Protocol = new(big.Int).Sub(remaining, s.LP)
	return s
}

// referralBook holds the tier table keyed by referral code.
type referralBook struct {
	tiers map[string]*ReferralTier
}

func newReferralBook() *referralBook {
	return &referralBook{tiers: make(map[string]*ReferralTier)}
}

func (b *referralBook) set(t ReferralTier) {
	cp := t
	b.tiers[t.Code] = &cp
}

func (b *referralBook) lookup(code string) *ReferralTier {
	if code == "" {
		return nil
	}
	return b.tiers[code]
}
