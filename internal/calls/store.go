package calls

import "context"

// Store persists call records and their transcripts.
//
// Implementations must apply a Patch to one record atomically and must never
// delete records. Unknown IDs return ErrNotFound.

type Store interface {
	Create(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	GetByProviderID(ctx context.Context, providerCallID string) (Call, error)
	Update(ctx context.Context, id string, p Patch) (Call, error)
	// List returns the most recent calls first.
	List(ctx context.Context, limit int) ([]Call, error)

	AppendTranscript(ctx context.Context, e TranscriptEntry) error
	Transcripts(ctx context.Context, callID string) ([]TranscriptEntry, error)
}
