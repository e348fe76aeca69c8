package schemas

// Ledger record kinds.
const (
	CredentialIssued      string = "ticketgate.credential.issued"
	CredentialConsumed    string = "ticketgate.credential.consumed"
	CredentialTransferred string = "ticketgate.credential.transferred"
	VerifierChanged       string = "ticketgate.registry.verifier"
	PriceChanged          string = "ticketgate.registry.price"
	FundsWithdrawn        string = "ticketgate.registry.withdrawn"
	RegistryDeployed      string = "ticketgate.registry.deployed"
)

// Channel returns the pub/sub channel carrying records of one registry.
func Channel(registry string) string {
	return "ticketgate:records:" + registry
}

// AllChannels matches every registry's record channel.
const AllChannels = "ticketgate:records:*"
