package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeBank   AccountSubType = iota // free collateral
	SubTypeMargin                       // isolated margin of one market position

	// System sub-types
	SubTypeFeePool
	SubTypeInsurancePool
	SubTypeGasPool
	SubTypeFundingPool // per market; counter-account of funding flows
	SubTypePnLClearing // per market; counter-account of realized PnL

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AccountKey identifies a balance. Market is set for margin, funding pool
// and PnL clearing accounts and empty otherwise.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte
	SubType  AccountSubType
	Market   string
}

// BankKey is the free collateral of an account.
func BankKey(account uuid.UUID) AccountKey {
	return AccountKey{Scope: AccountScopeUser, EntityID: account, SubType: SubTypeBank}
}

// MarginKey is the isolated margin of an account's position in a market.
func MarginKey(account uuid.UUID, marketID string) AccountKey {
	return AccountKey{Scope: AccountScopeUser, EntityID: account, SubType: SubTypeMargin, Market: marketID}
}

var (
	FeePoolKey       = AccountKey{Scope: AccountScopeSystem, SubType: SubTypeFeePool}
	InsurancePoolKey = AccountKey{Scope: AccountScopeSystem, SubType: SubTypeInsurancePool}
	GasPoolKey       = AccountKey{Scope: AccountScopeSystem, SubType: SubTypeGasPool}

	ExternalDepositsKey    = AccountKey{Scope: AccountScopeExternal, SubType: SubTypeExternalDeposits}
	ExternalWithdrawalsKey = AccountKey{Scope: AccountScopeExternal, SubType: SubTypeExternalWithdrawals}
)

func FundingPoolKey(marketID string) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: SubTypeFundingPool, Market: marketID}
}

func PnLClearingKey(marketID string) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: SubTypePnLClearing, Market: marketID}
}

// Account returns the user id of a user-scoped key.
func (k AccountKey) Account() uuid.UUID {
	return uuid.UUID(k.EntityID)
}

// MustStayNonNegative reports whether the balance may never drop below zero.
// Funding pools, PnL clearing and external accounts are counter-accounts and
// legitimately carry negative balances.
func (k AccountKey) MustStayNonNegative() bool {
	switch k.SubType {
	case SubTypeBank, SubTypeMargin, SubTypeFeePool, SubTypeInsurancePool, SubTypeGasPool:
		return true
	default:
		return false
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		if k.Market != "" {
			return fmt.Sprintf("user:%s:%s:%s", k.Account(), k.subTypeName(), k.Market)
		}
		return fmt.Sprintf("user:%s:%s", k.Account(), k.subTypeName())
	case AccountScopeSystem:
		if k.Market != "" {
			return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Market)
		}
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) < 2 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	var key AccountKey
	switch parts[0] {
	case "user":
		if len(parts) < 3 {
			return AccountKey{}, fmt.Errorf("malformed user account path %q", path)
		}
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		key.Scope = AccountScopeUser
		key.EntityID = id
		parts = parts[2:]
	case "system":
		key.Scope = AccountScopeSystem
		parts = parts[1:]
	case "external":
		key.Scope = AccountScopeExternal
		parts = parts[1:]
	default:
		return AccountKey{}, fmt.Errorf("unknown account scope in %q", path)
	}

	st, ok := subTypeByName[parts[0]]
	if !ok {
		return AccountKey{}, fmt.Errorf("unknown account sub-type in %q", path)
	}
	key.SubType = st
	if len(parts) > 1 {
		key.Market = parts[1]
	}
	return key, nil
}

var subTypeByName = map[string]AccountSubType{
	"bank":           SubTypeBank,
	"margin":         SubTypeMargin,
	"fees":           SubTypeFeePool,
	"insurance_fund": SubTypeInsurancePool,
	"gas":            SubTypeGasPool,
	"funding_pool":   SubTypeFundingPool,
	"pnl_clearing":   SubTypePnLClearing,
	"deposits":       SubTypeExternalDeposits,
	"withdrawals":    SubTypeExternalWithdrawals,
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeBank:
		return "bank"
	case SubTypeMargin:
		return "margin"
	case SubTypeFeePool:
		return "fees"
	case SubTypeInsurancePool:
		return "insurance_fund"
	case SubTypeGasPool:
		return "gas"
	case SubTypeFundingPool:
		return "funding_pool"
	case SubTypePnLClearing:
		return "pnl_clearing"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
