package taskname

const (
	// Fraud tasks
	FraudFlagCreated = "fraud:flag:created"

	// Ledger tasks
	LedgerTreasuryMaterialize = "ledger:treasury:materialize"

	// Settlement tasks
	SettlementCloseReminder = "settlement:close:reminder"
)
