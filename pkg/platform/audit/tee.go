package audit

import (
	"context"

	id "tally/pkg/domain"
)

// Tee appends every event to a primary store and best-effort mirrors it to
// secondary sinks. Reads are served by the primary alone.
type Tee struct {
	Primary    Store
	Secondary  []Store
	OnSinkFail func(err error)
}

func NewTee(primary Store, secondary ...Store) *Tee {
	return &Tee{Primary: primary, Secondary: secondary}
}

func (t *Tee) Append(ctx context.Context, event Event) error {
	if err := t.Primary.Append(ctx, event); err != nil {
		return err
	}
	for _, s := range t.Secondary {
		if err := s.Append(ctx, event); err != nil && t.OnSinkFail != nil {
			t.OnSinkFail(err)
		}
	}
	return nil
}

func (t *Tee) ListByUser(ctx context.Context, userID id.UserID) ([]Event, error) {
	return t.Primary.ListByUser(ctx, userID)
}
