package ledger

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// AccountScopeSupply is the single account tracking legacySupply.
	AccountScopeSupply AccountScope = iota
	// AccountScopeMarket holds one account per market's managed backing.
	AccountScopeMarket
	// AccountScopeReserve holds the stable reserve's owned/managed fields.
	AccountScopeReserve
	// AccountScopeExternal marks boundary accounts: value entering or
	// leaving the ledger (collaborator token balances, circulating stable).
	AccountScopeExternal
)

// Account identifies one balance in the audit journal.
type Account struct {
	Scope AccountScope
	Name  string // market key, reserve field, or external boundary name
}

func SupplyAccount() Account {
	return Account{Scope: AccountScopeSupply}
}

func MarketAccount(key string) Account {
	return Account{Scope: AccountScopeMarket, Name: key}
}

func ReserveOwnedAccount() Account {
	return Account{Scope: AccountScopeReserve, Name: "owned"}
}

func ReserveManagedAccount() Account {
	return Account{Scope: AccountScopeReserve, Name: "managed"}
}

// CirculationAccount is the boundary for stable tokens held by users.
func CirculationAccount() Account {
	return Account{Scope: AccountScopeExternal, Name: "circulation"}
}

// CollateralAccount is the boundary for collateral and share tokens.
func CollateralAccount() Account {
	return Account{Scope: AccountScopeExternal, Name: "collateral"}
}

// AccountPath returns the string representation for storage/logging
func (a Account) AccountPath() string {
	switch a.Scope {
	case AccountScopeSupply:
		return "supply"
	case AccountScopeMarket:
		return "market:" + a.Name
	case AccountScopeReserve:
		return "reserve:" + a.Name
	case AccountScopeExternal:
		return "external:" + a.Name
	}
	return "unknown"
}
