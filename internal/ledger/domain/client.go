package domain

import "context"

//go:generate mockgen -source=client.go -destination=../mocks/mock_client.go -package=mocks

// Client is the boundary to the blockchain ledger.
type Client interface {
	// Submit sends the anchoring transaction. A *SubmissionError means the
	// ledger refused it; any other error is transport and may be retried.
	Submit(ctx context.Context, payload Payload) (TxRef, error)
	// AwaitConfirmation observes ref until it is final or ctx ends, in which
	// case it returns ConfirmationPending with a nil error.
	AwaitConfirmation(ctx context.Context, ref TxRef) (ConfirmationStatus, error)
	// FindByRequestHash looks for a transaction already anchored for requestHash.
	FindByRequestHash(ctx context.Context, requestHash string) (TxRef, bool, error)
}
